// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — SQLite registry
//  2. initServices — metrics registry, async request logger
//  3. initMonitor  — health prober + background monitor
//  4. initGateway  — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/multiverselabs/inference-gateway/internal/config"
	"github.com/multiverselabs/inference-gateway/internal/health"
	"github.com/multiverselabs/inference-gateway/internal/logger"
	"github.com/multiverselabs/inference-gateway/internal/metrics"
	"github.com/multiverselabs/inference-gateway/internal/proxy"
	"github.com/multiverselabs/inference-gateway/internal/registry"
)

// shutdownGrace bounds how long in-flight requests may run after a stop
// signal before the listener is torn down.
const shutdownGrace = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	store     *registry.Store
	prom      *metrics.Registry
	reqLogger *logger.Logger
	prober    *health.Prober
	monitor   *health.Monitor

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"services", a.initServices},
		{"monitor", a.initMonitor},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the health monitor and blocks until ctx is
// cancelled or a component fails. In-flight requests get shutdownGrace to
// complete once a stop is requested.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("database", a.cfg.DatabaseURL),
		slog.Duration("health_interval", a.cfg.Health.Interval),
	)

	srv := a.gw.NewServer(a.mgmt)

	g, gctx := errgroup.WithContext(ctx)

	a.monitor.Start(gctx)

	g.Go(func() error {
		return srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()

		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.ShutdownWithContext(shCtx); err != nil {
			a.log.Error("server shutdown", slog.String("error", err.Error()))
		}

		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.monitor != nil {
			a.monitor.Close()
		}
		if a.reqLogger != nil {
			if err := a.reqLogger.Close(); err != nil {
				a.log.Error("request logger close", slog.String("error", err.Error()))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.log.Error("store close", slog.String("error", err.Error()))
			}
		}
	})
}
