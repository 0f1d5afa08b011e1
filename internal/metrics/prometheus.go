// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_upstream_attempts_total{model,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{model,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_failover_events_total{model,reason}
	failoverEvents *prometheus.CounterVec

	// gateway_failover_exhausted_total{model}
	failoverExhausted *prometheus.CounterVec

	// gateway_streamed_responses_total{model}
	streamedResponses *prometheus.CounterVec

	// gateway_health_probes_total{outcome}
	probesTotal *prometheus.CounterVec

	// gateway_health_probe_duration_seconds
	probeDuration prometheus.Histogram

	// gateway_auto_deregistrations_total
	autoDeregistrations prometheus.Counter

	// gateway_registered_servers{health}
	registeredServers *prometheus.GaugeVec

	// gateway_registered_models
	registeredModels prometheus.Gauge

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream backend attempts (includes failovers)",
			},
			[]string{"model", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream backend attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"model", "outcome"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_events_total",
				Help: "Failover events between backends (emitted when retrying on a different server)",
			},
			[]string{"model", "reason"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_exhausted_total",
				Help: "Requests that exhausted failover attempts without success",
			},
			[]string{"model"},
		),

		streamedResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_streamed_responses_total",
				Help: "Responses relayed in streaming mode",
			},
			[]string{"model"},
		),

		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_health_probes_total",
				Help: "Health probe results",
			},
			[]string{"outcome"},
		),

		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_health_probe_duration_seconds",
			Help:    "Health probe duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		autoDeregistrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_auto_deregistrations_total",
			Help: "Servers deregistered automatically after repeated probe failures",
		}),

		registeredServers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_registered_servers",
				Help: "Active registered servers by health status",
			},
			[]string{"health"},
		),

		registeredModels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_registered_models",
			Help: "Distinct models with at least one active server",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.failoverEvents,
		r.failoverExhausted,
		r.streamedResponses,
		r.probesTotal,
		r.probeDuration,
		r.autoDeregistrations,
		r.registeredServers,
		r.registeredModels,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstreamAttempt records one backend attempt.
func (r *Registry) ObserveUpstreamAttempt(model, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(model, outcome).Inc()
	r.upstreamDuration.WithLabelValues(model, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(model, reason string) {
	r.failoverEvents.WithLabelValues(model, reason).Inc()
}

func (r *Registry) RecordFailoverExhausted(model string) {
	r.failoverExhausted.WithLabelValues(model).Inc()
}

func (r *Registry) RecordStreamed(model string) {
	r.streamedResponses.WithLabelValues(model).Inc()
}

// ObserveProbe records one health probe result.
func (r *Registry) ObserveProbe(ok bool, dur time.Duration) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	r.probesTotal.WithLabelValues(outcome).Inc()
	r.probeDuration.Observe(dur.Seconds())
}

func (r *Registry) RecordAutoDeregistration() {
	r.autoDeregistrations.Inc()
}

// SetRegistrySnapshot updates the registry gauges after a monitoring cycle.
func (r *Registry) SetRegistrySnapshot(healthy, unhealthy, unknown, models int) {
	r.registeredServers.WithLabelValues("healthy").Set(float64(healthy))
	r.registeredServers.WithLabelValues("unhealthy").Set(float64(unhealthy))
	r.registeredServers.WithLabelValues("unknown").Set(float64(unknown))
	r.registeredModels.Set(float64(models))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
