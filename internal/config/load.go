package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path over the defaults, then applies TROCZEN_*
// environment overrides and validates the result. An empty path loads the
// defaults only.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config unmarshal: %w", err)
		}
	}

	applyEnvOverrides(c)

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Save writes c as YAML to path with owner-only permissions, since it may
// carry the market key.
func Save(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config write: %w", err)
	}

	return nil
}

// applyEnvOverrides overrides sensitive or frequently changed values.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("TROCZEN_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TROCZEN_MARKET"); v != "" {
		c.Market.Name = v
	}
	if v := os.Getenv("TROCZEN_MARKET_KEY"); v != "" {
		c.Market.Key = v
	}
	if v := os.Getenv("TROCZEN_RELAY_URL"); v != "" {
		c.Relay.URL = v
	}
	if v := os.Getenv("TROCZEN_RELAY_LISTEN"); v != "" {
		c.Relay.ListenAddr = v
	}
	if v := os.Getenv("TROCZEN_LOG_LEVEL"); v != "" {
		c.Logger.Level = v
	}
	if v := os.Getenv("TROCZEN_LOCK_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transfer.LockTTLSeconds = n
		}
	}
	if v := os.Getenv("TROCZEN_SHARES_TOTAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Shares.Total = n
		}
	}
	if v := os.Getenv("TROCZEN_RECONCILE_CHECK_ACTIVE"); v != "" {
		c.Reconcile.CheckActive = strings.ToLower(v) == "true" || v == "1"
	}
}
