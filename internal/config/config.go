// Package config provides the wallet configuration model (YAML + env override).
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the root configuration
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Market    MarketConfig    `yaml:"market"`
	Shares    SharesConfig    `yaml:"shares"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Relay     RelayConfig     `yaml:"relay"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Logger    LoggerConfig    `yaml:"logger"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// MarketConfig names the currency scope and holds the key that encrypts
// cached shares on the relay. The key is overridden by TROCZEN_MARKET_KEY.
type MarketConfig struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"` // hex, 32 bytes
}

// SharesConfig is the threshold of the voucher key split.
type SharesConfig struct {
	Threshold int `yaml:"threshold"`
	Total     int `yaml:"total"` // 3 keeps an administrative share with the issuer
}

// TransferConfig tunes the handshake.
type TransferConfig struct {
	LockTTLSeconds        int    `yaml:"lock_ttl_seconds"`
	MaxClockSkewSeconds   int    `yaml:"max_clock_skew_seconds"`
	PublishTimeoutSeconds int    `yaml:"publish_timeout_seconds"`
	JournalDir            string `yaml:"journal_dir"` // empty: <data_dir>/journal
}

// RelayConfig is the relay endpoint used as event log and share cache.
type RelayConfig struct {
	URL                   string `yaml:"url"`
	DialTimeoutSeconds    int    `yaml:"dial_timeout_seconds"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	RetryMaxAttempts      int    `yaml:"retry_max_attempts"`
	RetryInitialBackoffMs int    `yaml:"retry_initial_backoff_ms"`
	ListenAddr            string `yaml:"listen_addr"` // dev relay server
}

// ReconcileConfig tunes startup reconciliation.
type ReconcileConfig struct {
	QueriesPerSecond float64 `yaml:"queries_per_second"`
	Burst            int     `yaml:"burst"`
	CheckActive      bool    `yaml:"check_active"`
}

// LoggerConfig configures the root logger.
type LoggerConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig configures the prometheus endpoint of the dev relay.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		DataDir: "./troczen-data",
		Market: MarketConfig{
			Name: "default",
		},
		Shares: SharesConfig{
			Threshold: 2,
			Total:     2,
		},
		Transfer: TransferConfig{
			LockTTLSeconds:        120,
			MaxClockSkewSeconds:   300,
			PublishTimeoutSeconds: 10,
		},
		Relay: RelayConfig{
			URL:                   "ws://127.0.0.1:7447",
			DialTimeoutSeconds:    5,
			RequestTimeoutSeconds: 10,
			RetryMaxAttempts:      3,
			RetryInitialBackoffMs: 200,
			ListenAddr:            ":7447",
		},
		Reconcile: ReconcileConfig{
			QueriesPerSecond: 5,
			Burst:            1,
			CheckActive:      true,
		},
		Logger: LoggerConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is empty", ErrInvalidConfig)
	}
	if c.Market.Name == "" {
		return fmt.Errorf("%w: market.name is empty", ErrInvalidConfig)
	}
	if c.Market.Key != "" {
		if _, err := c.MarketKey(); err != nil {
			return err
		}
	}
	if c.Shares.Threshold < 2 || c.Shares.Threshold > c.Shares.Total || c.Shares.Total > 3 {
		return fmt.Errorf("%w: shares %d of %d (threshold >= 2, total <= 3)", ErrInvalidConfig, c.Shares.Threshold, c.Shares.Total)
	}
	// a transfer only ever sees the bearer and cache shares
	if c.Shares.Threshold != 2 {
		return fmt.Errorf("%w: shares.threshold must be 2, transfers combine two shares", ErrInvalidConfig)
	}
	if c.Transfer.LockTTLSeconds <= 0 {
		return fmt.Errorf("%w: transfer.lock_ttl_seconds must be positive", ErrInvalidConfig)
	}
	if c.Transfer.MaxClockSkewSeconds < 0 || c.Transfer.PublishTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: transfer timeouts out of range", ErrInvalidConfig)
	}
	if c.Relay.URL == "" {
		return fmt.Errorf("%w: relay.url is empty", ErrInvalidConfig)
	}
	if c.Relay.DialTimeoutSeconds <= 0 || c.Relay.RequestTimeoutSeconds <= 0 || c.Relay.RetryMaxAttempts <= 0 {
		return fmt.Errorf("%w: relay timeouts and attempts must be positive", ErrInvalidConfig)
	}
	if c.Reconcile.QueriesPerSecond <= 0 || c.Reconcile.Burst <= 0 {
		return fmt.Errorf("%w: reconcile rate must be positive", ErrInvalidConfig)
	}

	return nil
}

// MarketKey decodes the market key. An unset key yields nil.
func (c *Config) MarketKey() ([]byte, error) {
	if c.Market.Key == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(c.Market.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: market.key: %v", ErrInvalidConfig, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: market.key must be 32 bytes, got %d", ErrInvalidConfig, len(key))
	}

	return key, nil
}

// LockTTL returns the transfer lock lifetime.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Transfer.LockTTLSeconds) * time.Second
}

// MaxClockSkew returns the accepted offer timestamp deviation.
func (c *Config) MaxClockSkew() time.Duration {
	return time.Duration(c.Transfer.MaxClockSkewSeconds) * time.Second
}

// PublishTimeout bounds the asynchronous event publication after a transfer.
func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.Transfer.PublishTimeoutSeconds) * time.Second
}

// DialTimeout bounds the relay connection handshake.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Relay.DialTimeoutSeconds) * time.Second
}

// RequestTimeout bounds a single relay request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Relay.RequestTimeoutSeconds) * time.Second
}

// RetryInitialBackoff is the first delay between relay retries.
func (c *Config) RetryInitialBackoff() time.Duration {
	return time.Duration(c.Relay.RetryInitialBackoffMs) * time.Millisecond
}

// KeyDir is where the device identity lives.
func (c *Config) KeyDir() string {
	return filepath.Join(c.DataDir, "keys")
}

// StoreDir is where the voucher database lives.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "db")
}

// JournalDir is where transfer journals are written.
func (c *Config) JournalDir() string {
	if c.Transfer.JournalDir != "" {
		return c.Transfer.JournalDir
	}
	return filepath.Join(c.DataDir, "journal")
}
