// Package proxy is the request-routing core of the gateway.
//
// The Gateway receives an incoming OpenAI-compatible request, picks a healthy
// registered backend for the requested model, and forwards the request,
// retrying on a different backend when the selected one fails before
// producing a response.
//
// Key design constraints:
//   - No blocking I/O on the hot path beyond the upstream call itself.
//   - Logger and metrics are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); once a byte reaches the
//     client no second backend is contacted.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/multiverselabs/inference-gateway/internal/health"
	"github.com/multiverselabs/inference-gateway/internal/logger"
	"github.com/multiverselabs/inference-gateway/internal/metrics"
	"github.com/multiverselabs/inference-gateway/internal/registry"
	"github.com/multiverselabs/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// MaxRetryAttempts is the number of additional backends tried after the
	// first attempt fails before any response byte is sent. Default: 2.
	MaxRetryAttempts int

	// RequestTimeout is the total deadline for buffered forwards. Default: 300s.
	RequestTimeout time.Duration

	// StreamIdleTimeout is the maximum gap between stream chunks. Default: 60s.
	StreamIdleTimeout time.Duration

	// MaxConsecutiveFailures is the demotion threshold shared with the health
	// monitor. Default: 3.
	MaxConsecutiveFailures int

	// AutoDeregister removes backends that reach the threshold. Default: false.
	AutoDeregister bool

	// AllowPrivateEndpoints relaxes the SSRF checks on registration so that
	// loopback and RFC 1918 backends can register. For local development
	// deployments only.
	AllowPrivateEndpoints bool

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// Version is reported by GET / and GET /health.
	Version string
}

// Gateway is the main proxy. All dependencies are injected via the
// constructor so they can be replaced in unit tests.
type Gateway struct {
	store    *registry.Store
	selector *Selector
	upstream *Upstream
	log      *slog.Logger
	metrics  *metrics.Registry

	maxRetries       int
	failureThreshold int
	autoDeregister   bool
	allowPrivate     bool
	version          string

	// Optional dependencies, nil-safe when not configured.
	reqLogger *logger.Logger
	prober    *health.Prober

	// CORS allowed origins. Empty slice means allow all.
	corsOrigins []string

	maxBodySize int
	adminKey    string
}

// NewGateway creates a fully configured Gateway.
func NewGateway(store *registry.Store, opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxRetryAttempts < 0 {
		opts.MaxRetryAttempts = 0
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 300 * time.Second
	}
	if opts.StreamIdleTimeout <= 0 {
		opts.StreamIdleTimeout = 60 * time.Second
	}
	if opts.MaxConsecutiveFailures < 1 {
		opts.MaxConsecutiveFailures = 3
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	return &Gateway{
		store:             store,
		selector:          NewSelector(store),
		upstream:          NewUpstream(opts.RequestTimeout, opts.StreamIdleTimeout),
		log:               log,
		metrics:           opts.Metrics,
		maxRetries:        opts.MaxRetryAttempts,
		failureThreshold:  opts.MaxConsecutiveFailures,
		autoDeregister:    opts.AutoDeregister,
		allowPrivate:      opts.AllowPrivateEndpoints,
		version:           opts.Version,
		maxBodySize:       1 << 20,
	}
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetMaxBodySize configures the request body cap enforced by the middleware.
func (g *Gateway) SetMaxBodySize(n int) {
	if n > 0 {
		g.maxBodySize = n
	}
}

// SetAdminKey configures the credential checked on /admin routes.
func (g *Gateway) SetAdminKey(key string) {
	g.adminKey = key
}

// modelEntry is one element of the GET /v1/models listing.
type modelEntry struct {
	ID               string `json:"id"`
	Object           string `json:"object"`
	Created          int64  `json:"created"`
	OwnedBy          string `json:"owned_by"`
	AvailableServers int    `json:"available_servers"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels serves GET /v1/models from the registry; nothing is forwarded.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	sums, err := g.store.ModelSummaries(ctx)
	if err != nil {
		g.log.ErrorContext(ctx, "list models", slog.Any("error", err))
		apierr.WriteInternal(ctx)
		return
	}

	out := modelList{Object: "list", Data: make([]modelEntry, 0, len(sums))}
	for _, s := range sums {
		out.Data = append(out.Data, modelEntry{
			ID:               s.ModelName,
			Object:           "model",
			Created:          s.EarliestReg.Unix(),
			OwnedBy:          "multiverse",
			AvailableServers: s.HealthyCount,
		})
	}
	writeJSON(ctx, out)
}

// dispatch is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming is finalised by the relay loop
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start),
			reqBytes, len(ctx.Response.Body()))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	body := ctx.PostBody()

	// 1. Parse: only the fields the gateway itself needs; the body is
	// forwarded verbatim.
	var req struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.Model == "" {
		apierr.WriteBadRequest(ctx, "field 'model' is required")
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("route", route),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	// 2. Attempt loop: at most 1 + maxRetries sequential attempts, never
	// revisiting a backend that already failed for this request.
	tried := make(map[string]bool)
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		srv, err := g.selector.SelectExcluding(ctx, req.Model, tried)
		if err != nil {
			g.log.ErrorContext(ctx, "select backend",
				slog.String("request_id", reqID), slog.Any("error", err))
			apierr.WriteInternal(ctx)
			return
		}
		if srv == nil {
			g.writeNoServer(ctx, req.Model, attempt, len(tried))
			g.logRequest(reqID, route, req.Model, "", attempt, ctx.Response.StatusCode(), time.Since(start), 0, false)
			return
		}

		if req.Stream {
			done := g.attemptStream(ctx, srv, path, body, reqID, route, req.Model, start, reqBytes, attempt)
			if done {
				streaming = true
				return
			}
		} else {
			done := g.attemptBuffered(ctx, srv, path, body, reqID, route, req.Model, start, attempt)
			if done {
				return
			}
		}

		tried[srv.RegistrationID] = true
		if g.metrics != nil && attempt < g.maxRetries {
			g.metrics.RecordFailover(req.Model, "pre_response")
		}
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(req.Model)
	}
	apierr.Write(ctx, fasthttp.StatusGatewayTimeout,
		fmt.Sprintf("all %d attempt(s) to reach a backend for model '%s' failed", g.maxRetries+1, req.Model),
		apierr.KindAllAttemptsFailed)
	g.logRequest(reqID, route, req.Model, "", g.maxRetries+1, fasthttp.StatusGatewayTimeout, time.Since(start), 0, false)
}

// writeNoServer distinguishes "model unknown" (404) from "model known but no
// healthy server" (503) from "ran out of candidates mid-failover" (504).
func (g *Gateway) writeNoServer(ctx *fasthttp.RequestCtx, model string, attempt, triedCount int) {
	if attempt > 0 || triedCount > 0 {
		apierr.Write(ctx, fasthttp.StatusGatewayTimeout,
			fmt.Sprintf("all attempts to reach a backend for model '%s' failed", model),
			apierr.KindAllAttemptsFailed)
		if g.metrics != nil {
			g.metrics.RecordFailoverExhausted(model)
		}
		return
	}

	known, err := g.store.ModelKnown(ctx, model)
	if err != nil {
		g.log.ErrorContext(ctx, "model lookup", slog.Any("error", err))
		apierr.WriteInternal(ctx)
		return
	}
	if !known {
		msg := fmt.Sprintf("model '%s' is not registered", model)
		if names, err := g.store.ActiveModelNames(ctx); err == nil && len(names) > 0 {
			msg = fmt.Sprintf("model '%s' is not registered; available models: %v", model, names)
		}
		apierr.Write(ctx, fasthttp.StatusNotFound, msg, apierr.KindModelNotFound)
		return
	}
	apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
		fmt.Sprintf("no healthy server is available for model '%s'", model),
		apierr.KindNoHealthyServer)
}

// attemptBuffered forwards one buffered attempt. Returns true when a response
// was written to the client (success or verbatim backend error); false means
// the attempt failed pre-response and the caller may fail over.
func (g *Gateway) attemptBuffered(ctx *fasthttp.RequestCtx, srv *registry.Server, path string, body []byte, reqID, route, model string, start time.Time, attempt int) bool {
	upStart := time.Now()
	res, err := g.upstream.ForwardBuffered(ctx, srv, path, body, reqID)
	upDur := time.Since(upStart)

	if err != nil {
		g.handleAttemptFailure(ctx, srv, model, reqID, err, upDur, attempt)
		return false
	}

	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(model, "success", upDur)
	}

	// Non-2xx backend responses pass through verbatim; they are the
	// backend's answer, not a transport failure.
	if res.Status >= 200 && res.Status < 300 {
		if err := g.store.RecordSuccess(ctx, srv.RegistrationID, upDur.Milliseconds()); err != nil && !errors.Is(err, registry.ErrNotFound) {
			g.log.ErrorContext(ctx, "record upstream success", slog.Any("error", err))
		}
	}

	ctx.SetStatusCode(res.Status)
	for k, vals := range res.Header {
		if hopByHopHeaders[k] {
			continue
		}
		for _, v := range vals {
			ctx.Response.Header.Add(k, v)
		}
	}
	ctx.Response.Header.Set("X-Gateway-Server-ID", srv.RegistrationID)
	ctx.SetBody(res.Body)

	g.logRequest(reqID, route, model, srv.RegistrationID, attempt+1, res.Status, time.Since(start), uint64(len(res.Body)), false)
	return true
}

// attemptStream forwards one streaming attempt. Returns true when the stream
// has been handed to the client (relay runs in the response writer); false
// means the attempt failed pre-response and the caller may fail over.
func (g *Gateway) attemptStream(ctx *fasthttp.RequestCtx, srv *registry.Server, path string, body []byte, reqID, route, model string, start time.Time, reqBytes, attempt int) bool {
	upStart := time.Now()
	stream, err := g.upstream.ForwardStream(ctx, srv, path, body, reqID)
	if err != nil {
		g.handleAttemptFailure(ctx, srv, model, reqID, err, time.Since(upStart), attempt)
		return false
	}

	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(model, "success", time.Since(upStart))
		g.metrics.RecordStreamed(model)
	}

	ctx.SetStatusCode(stream.Status)
	for k, vals := range stream.Header {
		if hopByHopHeaders[k] {
			continue
		}
		for _, v := range vals {
			ctx.Response.Header.Add(k, v)
		}
	}
	ctx.Response.Header.Set("X-Gateway-Server-ID", srv.RegistrationID)

	attemptCount := attempt + 1
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		g.relayStream(w, stream, srv, reqID, route, model, start, reqBytes, attemptCount)
	})
	return true
}

// relayStream pumps backend chunks to the client, enforcing the idle-chunk
// deadline. It runs in fasthttp's response writer after headers are flushed,
// so failures here can only terminate the stream, never change the status.
func (g *Gateway) relayStream(w *bufio.Writer, stream *StreamResult, srv *registry.Server, reqID, route, model string, start time.Time, reqBytes, attempts int) {
	defer stream.Cancel()
	defer func() { recover() }() //nolint:errcheck // client disconnects surface as write panics

	var bytesSent uint64
	var chunksSent int
	idleGap := g.upstream.StreamIdleTimeout()
	idle := time.NewTimer(idleGap)
	defer idle.Stop()

	drained := false
	var idleTimeout bool
	for !drained {
		select {
		case chunk, ok := <-stream.Chunks:
			if !ok {
				drained = true
				break
			}
			if _, err := w.Write(chunk); err != nil {
				stream.Cancel()
				drained = true
				break
			}
			_ = w.Flush()
			bytesSent += uint64(len(chunk))
			chunksSent++
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleGap)

		case <-idle.C:
			idleTimeout = true
			stream.Cancel()
			for range stream.Chunks {
			}
			drained = true
		}
	}

	status := stream.Status
	streamErr := stream.Err()
	if idleTimeout {
		streamErr = fmt.Errorf("no chunk received within %s", idleGap)
	}

	if streamErr != nil {
		// Post-response failure: the status line is long gone, so all we can
		// do is log, demote the backend, and let the connection close.
		g.log.ErrorContext(context.Background(), "stream broken",
			slog.String("request_id", reqID),
			slog.String("registration_id", srv.RegistrationID),
			slog.String("model", model),
			slog.Uint64("bytes_sent", bytesSent),
			slog.Int("chunks_sent", chunksSent),
			slog.Any("error", streamErr),
		)
		g.demote(context.Background(), srv, "post_response")
	} else if status >= 200 && status < 300 {
		if err := g.store.RecordSuccess(context.Background(), srv.RegistrationID, time.Since(start).Milliseconds()); err != nil && !errors.Is(err, registry.ErrNotFound) {
			g.log.Error("record stream success", slog.Any("error", err))
		}
	}

	dur := time.Since(start)
	if g.metrics != nil {
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, int(bytesSent))
		g.metrics.DecInFlight()
	}
	g.logRequest(reqID, route, model, srv.RegistrationID, attempts, status, dur, bytesSent, true)
}

// handleAttemptFailure demotes the backend after a pre-response failure.
func (g *Gateway) handleAttemptFailure(ctx *fasthttp.RequestCtx, srv *registry.Server, model, reqID string, err error, dur time.Duration, attempt int) {
	reason := "error"
	var pre *PreResponseError
	if errors.As(err, &pre) {
		reason = pre.Reason
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(model, reason, dur)
	}
	g.log.WarnContext(ctx, "backend attempt failed",
		slog.String("request_id", reqID),
		slog.String("registration_id", srv.RegistrationID),
		slog.String("model", model),
		slog.Int("attempt", attempt+1),
		slog.String("reason", reason),
		slog.Any("error", err),
	)
	g.demote(ctx, srv, reason)
}

// demote records a failure against the backend and applies the same
// auto-deregistration threshold as the health monitor.
func (g *Gateway) demote(ctx context.Context, srv *registry.Server, reason string) {
	failures, err := g.store.RecordFailure(ctx, srv.RegistrationID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			g.log.Error("demote backend",
				slog.String("registration_id", srv.RegistrationID),
				slog.Any("error", err))
		}
		return
	}
	if g.autoDeregister && failures >= g.failureThreshold {
		if err := g.store.SoftDelete(ctx, srv.RegistrationID); err != nil {
			g.log.Error("auto-deregister",
				slog.String("registration_id", srv.RegistrationID),
				slog.Any("error", err))
			return
		}
		if g.metrics != nil {
			g.metrics.RecordAutoDeregistration()
		}
		g.log.Error("server auto-deregistered after repeated failures",
			slog.String("registration_id", srv.RegistrationID),
			slog.String("model", srv.ModelName),
			slog.String("reason", reason),
			slog.Int("consecutive_failures", failures),
		)
	}
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(requestID, route, model, serverID string, attempts, status int, latency time.Duration, bytesOut uint64, streamed bool) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	latencyMs := latency.Milliseconds()
	if latencyMs > int64(^uint32(0)) {
		latencyMs = int64(^uint32(0))
	}
	if attempts > 255 {
		attempts = 255
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:        reqUUID,
		Route:     route,
		Model:     model,
		ServerID:  serverID,
		Attempts:  uint8(attempts),
		Status:    uint16(status),
		LatencyMs: uint32(latencyMs),
		BytesOut:  bytesOut,
		Streamed:  streamed,
		CreatedAt: time.Now(),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
