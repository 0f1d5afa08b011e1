package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multiverselabs/inference-gateway/internal/metrics"
	"github.com/multiverselabs/inference-gateway/internal/registry"
)

// MonitorConfig controls the background monitoring loop.
type MonitorConfig struct {
	// Interval between the end of one probe cycle and the start of the next.
	Interval time.Duration

	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration

	// MaxConsecutiveFailures is the auto-deregistration threshold.
	MaxConsecutiveFailures int

	// AutoDeregister enables removal of servers that reach the threshold.
	AutoDeregister bool
}

// Monitor periodically probes every active server and keeps the registry's
// health columns current. Servers failing MaxConsecutiveFailures probes in a
// row are deregistered when AutoDeregister is set.
type Monitor struct {
	store   *registry.Store
	prober  *Prober
	cfg     MonitorConfig
	log     *slog.Logger
	metrics *metrics.Registry

	started atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor wires a monitor; Start begins the loop.
func NewMonitor(store *registry.Store, cfg MonitorConfig, log *slog.Logger, met *metrics.Registry) *Monitor {
	return &Monitor{
		store:   store,
		prober:  NewProber(cfg.ProbeTimeout),
		cfg:     cfg,
		log:     log,
		metrics: met,
		done:    make(chan struct{}),
	}
}

// Start launches the background loop. Calling Start on a running monitor is
// a no-op, so restarts cannot stack loops.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.run(ctx)
}

// Close stops the loop. An in-flight probe cycle finishes its current probe
// before the loop exits.
func (m *Monitor) Close() {
	if !m.started.Load() {
		return
	}
	close(m.done)
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	m.log.Info("health monitor started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Duration("probe_timeout", m.cfg.ProbeTimeout),
		slog.Int("max_consecutive_failures", m.cfg.MaxConsecutiveFailures),
		slog.Bool("auto_deregister", m.cfg.AutoDeregister),
	)

	timer := time.NewTimer(m.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}

		m.Cycle(ctx)

		// Interval measured from the end of the cycle, so slow cycles
		// cannot overlap the next one.
		timer.Reset(m.cfg.Interval)
	}
}

// Cycle probes every active server sequentially and applies the results.
// Exported so admin re-probe paths and tests can drive a cycle directly.
func (m *Monitor) Cycle(ctx context.Context) {
	servers, err := m.store.List(ctx, registry.Filter{})
	if err != nil {
		m.log.Error("health cycle: list servers", slog.Any("error", err))
		return
	}

	for _, srv := range servers {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		m.probeOne(ctx, srv)
	}

	m.publishSnapshot(ctx)
}

// ProbeServer probes a single server immediately and applies the result.
// Used when an admin update changes the endpoint URL.
func (m *Monitor) ProbeServer(ctx context.Context, srv *registry.Server) Result {
	res := m.prober.Probe(ctx, srv.EndpointURL)
	m.apply(ctx, srv, res)
	return res
}

func (m *Monitor) probeOne(ctx context.Context, srv *registry.Server) {
	start := time.Now()
	res := m.prober.Probe(ctx, srv.EndpointURL)
	if m.metrics != nil {
		m.metrics.ObserveProbe(res.OK, time.Since(start))
	}
	m.apply(ctx, srv, res)
}

func (m *Monitor) apply(ctx context.Context, srv *registry.Server, res Result) {
	if res.OK {
		if err := m.store.RecordSuccess(ctx, srv.RegistrationID, res.LatencyMs); err != nil {
			// The server may have been deregistered mid-cycle.
			if !errors.Is(err, registry.ErrNotFound) {
				m.log.Error("record probe success",
					slog.String("registration_id", srv.RegistrationID),
					slog.Any("error", err))
			}
			return
		}
		if srv.HealthStatus != registry.HealthHealthy {
			m.log.Info("server recovered",
				slog.String("registration_id", srv.RegistrationID),
				slog.String("model", srv.ModelName),
				slog.Int64("latency_ms", res.LatencyMs))
		}
		return
	}

	failures, err := m.store.RecordFailure(ctx, srv.RegistrationID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			m.log.Error("record probe failure",
				slog.String("registration_id", srv.RegistrationID),
				slog.Any("error", err))
		}
		return
	}

	m.log.Warn("health probe failed",
		slog.String("registration_id", srv.RegistrationID),
		slog.String("model", srv.ModelName),
		slog.Int("consecutive_failures", failures),
		slog.Any("error", res.Err),
	)

	if m.cfg.AutoDeregister && failures >= m.cfg.MaxConsecutiveFailures {
		if err := m.store.SoftDelete(ctx, srv.RegistrationID); err != nil {
			m.log.Error("auto-deregister",
				slog.String("registration_id", srv.RegistrationID),
				slog.Any("error", err))
			return
		}
		if m.metrics != nil {
			m.metrics.RecordAutoDeregistration()
		}
		m.log.Error("server auto-deregistered after repeated failures",
			slog.String("registration_id", srv.RegistrationID),
			slog.String("model", srv.ModelName),
			slog.Int("consecutive_failures", failures),
		)
	}
}

func (m *Monitor) publishSnapshot(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	st, err := m.store.GetStats(ctx)
	if err != nil {
		m.log.Error("health cycle: stats", slog.Any("error", err))
		return
	}
	m.metrics.SetRegistrySnapshot(st.Healthy, st.Unhealthy, st.Unknown, st.Models)
}
