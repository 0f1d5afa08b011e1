package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/multiverselabs/inference-gateway/internal/health"
	"github.com/multiverselabs/inference-gateway/internal/registry"
	"github.com/multiverselabs/inference-gateway/internal/validate"
	"github.com/multiverselabs/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// SetProber injects the prober used for the initial registration probe and
// for re-probes after an endpoint change.
func (g *Gateway) SetProber(p *health.Prober) {
	g.prober = p
}

// adminAuth guards /admin routes. The key comparison is constant-time and
// the credential never reaches a log line.
func (g *Gateway) adminAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		supplied := ctx.Request.Header.Peek("X-API-Key")
		if g.adminKey == "" ||
			subtle.ConstantTimeCompare(supplied, []byte(g.adminKey)) != 1 {
			apierr.WriteUnauthorized(ctx)
			return
		}
		next(ctx)
	}
}

// registerRequest is the POST /admin/register payload.
type registerRequest struct {
	ModelName     string                `json:"model_name"`
	EndpointURL   string                `json:"endpoint_url"`
	BackendAPIKey string                `json:"backend_api_key"`
	Capabilities  registry.Capabilities `json:"capabilities"`
	Owner         registry.Owner        `json:"owner"`
}

// serverView is the admin projection of a registry record. The backend API
// key is deliberately absent.
type serverView struct {
	RegistrationID      string                `json:"registration_id"`
	ModelName           string                `json:"model_name"`
	EndpointURL         string                `json:"endpoint_url"`
	Capabilities        registry.Capabilities `json:"capabilities"`
	Owner               registry.Owner        `json:"owner"`
	HealthStatus        string                `json:"health_status"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	LastCheckedAt       *time.Time            `json:"last_checked_at"`
	LastLatencyMs       *int64                `json:"last_latency_ms"`
	IsActive            bool                  `json:"is_active"`
	RegisteredAt        time.Time             `json:"registered_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

func viewOf(srv *registry.Server) serverView {
	return serverView{
		RegistrationID:      srv.RegistrationID,
		ModelName:           srv.ModelName,
		EndpointURL:         srv.EndpointURL,
		Capabilities:        srv.Capabilities,
		Owner:               srv.Owner,
		HealthStatus:        srv.HealthStatus,
		ConsecutiveFailures: srv.ConsecutiveFailures,
		LastCheckedAt:       srv.LastCheckedAt,
		LastLatencyMs:       srv.LastLatencyMs,
		IsActive:            srv.IsActive,
		RegisteredAt:        srv.RegisteredAt,
		UpdatedAt:           srv.UpdatedAt,
	}
}

// validateEndpoint applies the full SSRF rules unless the deployment opted
// in to private endpoints, in which case only the URL shape is checked.
func (g *Gateway) validateEndpoint(raw string) error {
	if g.allowPrivate {
		return validate.URLSyntax(raw)
	}
	return validate.URL(raw)
}

func validateCapabilities(c registry.Capabilities) error {
	if c.MaxTokens < 0 {
		return fmt.Errorf("capabilities.max_tokens must not be negative")
	}
	if c.ContextLength < 0 {
		return fmt.Errorf("capabilities.context_length must not be negative")
	}
	return nil
}

// handleRegister serves POST /admin/register. A failed initial probe does
// not reject the registration; the server simply starts out unhealthy.
func (g *Gateway) handleRegister(ctx *fasthttp.RequestCtx) {
	var req registerRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	if err := validate.ModelName(req.ModelName); err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}
	if err := g.validateEndpoint(req.EndpointURL); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.KindInvalidURL)
		return
	}
	if err := validateCapabilities(req.Capabilities); err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}

	normalized, err := validate.NormalizeURL(req.EndpointURL)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.KindInvalidURL)
		return
	}

	srv := &registry.Server{
		RegistrationID: registry.NewRegistrationID(),
		ModelName:      req.ModelName,
		EndpointURL:    req.EndpointURL,
		NormalizedURL:  normalized,
		BackendAPIKey:  req.BackendAPIKey,
		Capabilities:   req.Capabilities,
		Owner:          req.Owner,
		HealthStatus:   registry.HealthUnhealthy,
	}

	// One synchronous probe so the first selector pass already sees the
	// real state instead of waiting a full monitor cycle.
	var latency *int64
	if g.prober != nil {
		res := g.prober.Probe(ctx, srv.EndpointURL)
		if res.OK {
			srv.HealthStatus = registry.HealthHealthy
			latency = &res.LatencyMs
		}
	}

	if err := g.store.Insert(ctx, srv); err != nil {
		if errors.Is(err, registry.ErrConflict) {
			apierr.Write(ctx, fasthttp.StatusConflict,
				fmt.Sprintf("an active server for model '%s' at this endpoint already exists", req.ModelName),
				apierr.KindConflict)
			return
		}
		g.log.ErrorContext(ctx, "register server", slog.Any("error", err))
		apierr.WriteInternal(ctx)
		return
	}
	if latency != nil {
		if err := g.store.RecordSuccess(ctx, srv.RegistrationID, *latency); err != nil {
			g.log.ErrorContext(ctx, "record initial probe", slog.Any("error", err))
		}
	}

	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, map[string]string{
		"registration_id": srv.RegistrationID,
		"status":          "registered",
		"health_status":   srv.HealthStatus,
	})
}

// handleDeregister serves DELETE /admin/register/{id}.
func (g *Gateway) handleDeregister(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	err := g.store.SoftDelete(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("no server with registration id '%s'", id),
			apierr.KindModelNotFound)
		return
	}
	if err != nil {
		g.log.ErrorContext(ctx, "deregister server", slog.Any("error", err))
		apierr.WriteInternal(ctx)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// updateRequest is the PUT /admin/register/{id} payload. Absent fields are
// left unchanged.
type updateRequest struct {
	ModelName     *string                `json:"model_name"`
	EndpointURL   *string                `json:"endpoint_url"`
	BackendAPIKey *string                `json:"backend_api_key"`
	Capabilities  *registry.Capabilities `json:"capabilities"`
	Owner         *registry.Owner        `json:"owner"`
}

// handleUpdate serves PUT /admin/register/{id}. An endpoint change is
// re-validated and re-probed; a model change rechecks uniqueness.
func (g *Gateway) handleUpdate(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	var req updateRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	patch := registry.Patch{
		BackendAPIKey: req.BackendAPIKey,
		Capabilities:  req.Capabilities,
		Owner:         req.Owner,
	}

	if req.ModelName != nil {
		if err := validate.ModelName(*req.ModelName); err != nil {
			apierr.WriteBadRequest(ctx, err.Error())
			return
		}
		patch.ModelName = req.ModelName
	}
	if req.Capabilities != nil {
		if err := validateCapabilities(*req.Capabilities); err != nil {
			apierr.WriteBadRequest(ctx, err.Error())
			return
		}
	}
	if req.EndpointURL != nil {
		if err := g.validateEndpoint(*req.EndpointURL); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.KindInvalidURL)
			return
		}
		normalized, err := validate.NormalizeURL(*req.EndpointURL)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.KindInvalidURL)
			return
		}
		patch.EndpointURL = req.EndpointURL
		patch.NormalizedURL = &normalized
	}

	updated, err := g.store.Patch(ctx, id, patch)
	if errors.Is(err, registry.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("no server with registration id '%s'", id),
			apierr.KindModelNotFound)
		return
	}
	if errors.Is(err, registry.ErrConflict) {
		apierr.Write(ctx, fasthttp.StatusConflict,
			"an active server for this model and endpoint already exists",
			apierr.KindConflict)
		return
	}
	if err != nil {
		g.log.ErrorContext(ctx, "update server", slog.Any("error", err))
		apierr.WriteInternal(ctx)
		return
	}

	// The old probe result says nothing about a new endpoint.
	if req.EndpointURL != nil && g.prober != nil {
		res := g.prober.Probe(ctx, updated.EndpointURL)
		if res.OK {
			err = g.store.RecordSuccess(ctx, id, res.LatencyMs)
		} else {
			_, err = g.store.RecordFailure(ctx, id)
		}
		if err != nil {
			g.log.ErrorContext(ctx, "re-probe after update", slog.Any("error", err))
		}
		if updated, err = g.store.Get(ctx, id); err != nil {
			g.log.ErrorContext(ctx, "reload after re-probe", slog.Any("error", err))
			apierr.WriteInternal(ctx)
			return
		}
	}

	writeJSON(ctx, viewOf(updated))
}

// handleListServers serves GET /admin/servers?model=&health=&active=.
func (g *Gateway) handleListServers(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()

	filter := registry.Filter{
		ModelName:    string(args.Peek("model")),
		HealthStatus: string(args.Peek("health")),
	}
	if active := string(args.Peek("active")); active == "false" {
		filter.IncludeInactive = true
	}

	servers, err := g.store.List(ctx, filter)
	if err != nil {
		g.log.ErrorContext(ctx, "list servers", slog.Any("error", err))
		apierr.WriteInternal(ctx)
		return
	}

	views := make([]serverView, 0, len(servers))
	for _, srv := range servers {
		views = append(views, viewOf(srv))
	}
	writeJSON(ctx, views)
}

// handleStats serves GET /admin/stats.
func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	stats, err := g.store.GetStats(ctx)
	if err != nil {
		g.log.ErrorContext(ctx, "stats", slog.Any("error", err))
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, stats)
}
