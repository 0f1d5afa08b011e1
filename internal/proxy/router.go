package proxy

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the complete routing table with the middleware chain
// applied. Exposed separately from Start so tests can serve it on an
// in-memory listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.GET("/", g.handleRoot)
	r.GET("/health", g.handleHealth)
	r.GET("/v1/models", g.handleModels)
	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/completions", g.handleCompletions)

	r.POST("/admin/register", g.adminAuth(g.handleRegister))
	r.DELETE("/admin/register/{id}", g.adminAuth(g.handleDeregister))
	r.PUT("/admin/register/{id}", g.adminAuth(g.handleUpdate))
	r.GET("/admin/servers", g.adminAuth(g.handleListServers))
	r.GET("/admin/stats", g.adminAuth(g.handleStats))

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
		bodyLimit(g.maxBodySize),
	)
}

// NewServer builds the fasthttp server around the gateway handler.
func (g *Gateway) NewServer(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: streaming responses outlive any fixed deadline;
		// idle streams are cut by the relay loop instead.
		// The body cap is enforced by the bodyLimit middleware so the client
		// gets a JSON 413; leave generous headroom here.
		MaxRequestBodySize: g.maxBodySize * 4,
	}
}

// Start serves HTTP on addr (e.g. "0.0.0.0:8000") until the listener closes.
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	return g.NewServer(mgmt).ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx)
}

// handleRoot serves a small service descriptor for humans poking at the API.
func (g *Gateway) handleRoot(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"service": "inference-gateway",
		"version": g.version,
		"endpoints": map[string]string{
			"models":           "/v1/models",
			"chat_completions": "/v1/chat/completions",
			"completions":      "/v1/completions",
			"health":           "/health",
			"admin":            "/admin",
		},
	})
}

// handleHealth reports gateway liveness; 503 when the registry database is
// unreachable.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	database := "ok"
	status := "ok"
	if err := g.store.Ping(dbCtx); err != nil {
		database = "unreachable"
		status = "degraded"
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, map[string]string{
		"status":   status,
		"service":  "inference-gateway",
		"version":  g.version,
		"database": database,
	})
}
