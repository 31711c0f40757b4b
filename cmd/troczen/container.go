package main

import (
	"github.com/iotaledger/hive.go/kvstore"
	"github.com/iotaledger/hive.go/kvstore/pebble"
	"github.com/iotaledger/hive.go/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/dig"

	"github.com/troczen/wallet/v2/internal/config"
	"github.com/troczen/wallet/v2/internal/crypto"
	"github.com/troczen/wallet/v2/internal/lock"
	"github.com/troczen/wallet/v2/internal/monitoring"
	"github.com/troczen/wallet/v2/internal/reconcile"
	"github.com/troczen/wallet/v2/internal/relay"
	"github.com/troczen/wallet/v2/internal/voucher"
	"github.com/troczen/wallet/v2/internal/wallet"
)

// newContainer provides the configuration and root logger. Commands add what
// they need on top.
func newContainer(cfg *config.Config) (*dig.Container, error) {
	c := dig.New()

	if err := c.Provide(func() *config.Config { return cfg }); err != nil {
		return nil, err
	}
	if err := c.Provide(newRootLogger); err != nil {
		return nil, err
	}
	if err := c.Provide(newMetrics); err != nil {
		return nil, err
	}
	if err := c.Provide(func(log *logger.Logger, metrics *monitoring.MetricsCollector) *monitoring.AlertManager {
		return monitoring.NewAlertManager(log.Named("Alerts"), metrics)
	}); err != nil {
		return nil, err
	}

	return c, nil
}

// provideWallet registers the on-disk wallet and its relay client.
func provideWallet(c *dig.Container, resolver reconcile.Resolver) error {
	if err := c.Provide(newKVStore); err != nil {
		return err
	}
	if err := c.Provide(voucher.NewStorageManager); err != nil {
		return err
	}
	if err := c.Provide(newIdentity); err != nil {
		return err
	}
	if err := c.Provide(newMarketCipher); err != nil {
		return err
	}
	if err := c.Provide(newRelayClient); err != nil {
		return err
	}
	if err := c.Provide(func(log *logger.Logger, cfg *config.Config, store *voucher.StorageManager) *lock.Manager {
		return lock.NewManager(log.Named("Locks"), store, lock.WithTTL(cfg.LockTTL()))
	}); err != nil {
		return err
	}

	return c.Provide(func(deps walletDeps) (*wallet.Service, error) {
		opts := []wallet.Option{wallet.WithMonitoring(deps.Metrics, deps.Alerts)}
		if resolver != nil {
			opts = append(opts, wallet.WithResolver(resolver))
		}

		return wallet.NewService(deps.Log.Named("Wallet"), deps.Config, deps.Store, deps.Locks, deps.Relay, deps.Identity, opts...)
	})
}

type walletDeps struct {
	dig.In

	Log      *logger.Logger
	Config   *config.Config
	Store    *voucher.StorageManager
	Locks    *lock.Manager
	Relay    *relay.Client
	Identity *crypto.Identity
	Metrics  *monitoring.MetricsCollector
	Alerts   *monitoring.AlertManager
}

func newRootLogger(cfg *config.Config) (*logger.Logger, error) {
	root, err := logger.NewRootLogger(logger.Config{
		Level:             cfg.Logger.Level,
		DisableCaller:     true,
		DisableStacktrace: true,
		Encoding:          "console",
		OutputPaths:       []string{"stderr"},
		DisableEvents:     true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create root logger")
	}

	return root.Named("troczen"), nil
}

type metricsResult struct {
	dig.Out

	Registry *prometheus.Registry
	Metrics  *monitoring.MetricsCollector
}

func newMetrics(log *logger.Logger) metricsResult {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return metricsResult{
		Registry: reg,
		Metrics:  monitoring.NewMetricsCollector(log.Named("Metrics"), reg),
	}
}

func newKVStore(cfg *config.Config) (kvstore.KVStore, error) {
	db, err := pebble.CreateDB(cfg.StoreDir())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open voucher database at %s", cfg.StoreDir())
	}

	return pebble.New(db), nil
}

func newIdentity(cfg *config.Config) (*crypto.Identity, error) {
	ks, err := crypto.NewKeyStore(cfg.KeyDir())
	if err != nil {
		return nil, err
	}

	return ks.LoadOrGenerate()
}

func newMarketCipher(cfg *config.Config) (*crypto.MarketCipher, error) {
	key, err := cfg.MarketKey()
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errors.Wrap(config.ErrInvalidConfig, "market.key is not set, run troczen init")
	}
	defer crypto.SecureErase(key)

	return crypto.NewMarketCipher(key, cfg.Market.Name)
}

func newRelayClient(log *logger.Logger, cfg *config.Config, identity *crypto.Identity, cipher *crypto.MarketCipher, metrics *monitoring.MetricsCollector) *relay.Client {
	retry := relay.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Relay.RetryMaxAttempts
	retry.InitialBackoff = cfg.RetryInitialBackoff()

	return relay.NewClient(log.Named("Relay"), cfg.Relay.URL, identity, cipher,
		relay.WithMetrics(metrics),
		relay.WithRetryConfig(retry),
		relay.WithDialTimeout(cfg.DialTimeout()),
		relay.WithRequestTimeout(cfg.RequestTimeout()),
	)
}

// walletApp is what the wallet commands run against.
type walletApp struct {
	dig.In

	Log      *logger.Logger
	Config   *config.Config
	Wallet   *wallet.Service
	Relay    *relay.Client
	Store    kvstore.KVStore
	Identity *crypto.Identity
}

// Close releases the relay connection, the device key and the database.
func (a *walletApp) Close() {
	if err := a.Relay.Disconnect(); err != nil {
		a.Log.Debugf("relay disconnect: %s", err)
	}
	a.Relay.EraseCache()
	a.Identity.Erase()

	if err := a.Store.Flush(); err != nil {
		a.Log.Warnf("failed to flush voucher database: %s", err)
	}
	if err := a.Store.Close(); err != nil {
		a.Log.Warnf("failed to close voucher database: %s", err)
	}
}

// withWallet builds the wallet, runs fn and tears everything down.
func withWallet(cfg *config.Config, resolver reconcile.Resolver, fn func(app *walletApp) error) error {
	c, err := newContainer(cfg)
	if err != nil {
		return err
	}
	if err := provideWallet(c, resolver); err != nil {
		return err
	}

	return c.Invoke(func(app walletApp) error {
		defer app.Close()
		return fn(&app)
	})
}
