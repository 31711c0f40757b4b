package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/iotaledger/hive.go/kvstore/mapdb"
	"github.com/iotaledger/hive.go/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/troczen/wallet/v2/internal/monitoring"
	"github.com/troczen/wallet/v2/internal/relay"
)

const (
	metricsInterval = 15 * time.Second
	shutdownTimeout = 5 * time.Second

	// connection attempts per client address
	relayConnectsPerSecond = 5
	relayConnectBurst      = 20
)

func cmdRelay(env *cmdEnv, args []string) error {
	fs := newFlagSet(env, "relay")
	listen := fs.String("listen", "", "listen address (default: relay.listen_addr)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, err := env.loadConfig()
	if err != nil {
		return err
	}
	if *listen == "" {
		*listen = cfg.Relay.ListenAddr
	}

	c, err := newContainer(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return c.Invoke(func(log *logger.Logger, reg *prometheus.Registry, metrics *monitoring.MetricsCollector, alerts *monitoring.AlertManager) error {
		server, err := relay.NewServer(log.Named("RelayServer"), mapdb.NewMapDB())
		if err != nil {
			return err
		}
		defer server.Close()

		var exposed *prometheus.Registry
		if cfg.Metrics.Enabled {
			exposed = reg
			go metrics.Start(ctx, metricsInterval)
		}

		e := newRelayEcho(server, exposed)

		errs := make(chan error, 1)
		go func() {
			log.Infof("relay listening on %s", *listen)
			if err := e.Start(*listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
			close(errs)
		}()

		select {
		case err := <-errs:
			if err != nil {
				return errors.Wrap(err, "relay server stopped")
			}
			return nil
		case <-ctx.Done():
		}

		log.Info("stopping relay ...")
		alerts.EvaluateRules(context.Background())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		return e.Shutdown(shutdownCtx)
	})
}

// newRelayEcho serves the relay websocket on "/" next to health and, when
// reg is set, metrics endpoints.
func newRelayEcho(server http.Handler, reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(rateLimitMiddleware(newIPRateLimiter(relayConnectsPerSecond, relayConnectBurst)))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if reg != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	e.GET("/", echo.WrapHandler(server))

	return e
}

// ipRateLimiter keeps one token bucket per client address.
type ipRateLimiter struct {
	limiters sync.Map
	rate     rate.Limit
	burst    int
}

func newIPRateLimiter(r float64, b int) *ipRateLimiter {
	return &ipRateLimiter{
		rate:  rate.Limit(r),
		burst: b,
	}
}

func (i *ipRateLimiter) getLimiter(ip string) *rate.Limiter {
	if limiter, ok := i.limiters.Load(ip); ok {
		return limiter.(*rate.Limiter)
	}
	limiter, _ := i.limiters.LoadOrStore(ip, rate.NewLimiter(i.rate, i.burst))
	return limiter.(*rate.Limiter)
}

func rateLimitMiddleware(rl *ipRateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !rl.getLimiter(c.RealIP()).Allow() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
