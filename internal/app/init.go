package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/multiverselabs/inference-gateway/internal/health"
	"github.com/multiverselabs/inference-gateway/internal/logger"
	"github.com/multiverselabs/inference-gateway/internal/metrics"
	"github.com/multiverselabs/inference-gateway/internal/proxy"
	"github.com/multiverselabs/inference-gateway/internal/registry"
)

// initStore opens the SQLite registry and verifies it with a ping.
func (a *App) initStore(ctx context.Context) error {
	store, err := registry.Open(a.cfg.DatabaseURL, a.log)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("ping registry: %w", err)
	}
	a.store = store

	// Registrations survive restarts; say how many came back.
	servers, err := store.CountServers(ctx)
	if err != nil {
		return fmt.Errorf("count servers: %w", err)
	}
	models, err := store.CountModels(ctx)
	if err != nil {
		return fmt.Errorf("count models: %w", err)
	}
	a.log.Info("registry opened",
		slog.String("path", a.cfg.DatabaseURL),
		slog.Int("servers", servers),
		slog.Int("models", models),
	)
	return nil
}

// initServices creates the Prometheus registry and the async request logger.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initMonitor builds the health prober and the background monitoring loop.
// The loop itself is started by Run.
func (a *App) initMonitor(_ context.Context) error {
	a.prober = health.NewProber(a.cfg.Health.ProbeTimeout)

	a.monitor = health.NewMonitor(a.store, health.MonitorConfig{
		Interval:               a.cfg.Health.Interval,
		ProbeTimeout:           a.cfg.Health.ProbeTimeout,
		MaxConsecutiveFailures: a.cfg.Health.MaxConsecutiveFailures,
		AutoDeregister:         a.cfg.Health.AutoDeregister,
	}, a.log, a.prom)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	gw := proxy.NewGateway(a.store, proxy.GatewayOptions{
		Logger:                 a.log,
		MaxRetryAttempts:       a.cfg.Proxy.MaxRetryAttempts,
		RequestTimeout:         a.cfg.Proxy.RequestTimeout,
		StreamIdleTimeout:      a.cfg.Proxy.StreamIdleTimeout,
		MaxConsecutiveFailures: a.cfg.Health.MaxConsecutiveFailures,
		AutoDeregister:         a.cfg.Health.AutoDeregister,
		AllowPrivateEndpoints:  a.cfg.AllowPrivateEndpoints,
		Metrics:                a.prom,
		Version:                a.version,
	})

	gw.SetAdminKey(a.cfg.AdminAPIKey)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)
	gw.SetMaxBodySize(a.cfg.Proxy.MaxRequestBodySize)
	gw.SetProber(a.prober)
	gw.SetLogger(a.reqLogger)

	if a.cfg.AllowPrivateEndpoints {
		a.log.Warn("private endpoint registration enabled; do not use in production")
	}

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw
	return nil
}
