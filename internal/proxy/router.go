package proxy

import (
	"encoding/json"
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

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil, nil)
}

// RouteRegistrar registers additional routes (e.g. the KB HTTP surface,
// §6) onto the gateway's router. It is called once at startup, after the
// chat-completions/models/health routes are registered and before the
// middleware chain is applied, so KB routes get the same
// recovery/requestID/timing/CORS/security/identity wrapping as every
// other route.
type RouteRegistrar func(*router.Router)

// StartWithRoutes starts the HTTP server with optional management routes
// and an optional extra route registrar (used to mount the KB HTTP
// surface alongside the chat-completions gateway on the same listener).
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes, extra RouteRegistrar) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/chat/completions", g.handleChatCompletions)
	r.GET("/v1/models", g.handleModels)
	r.GET("/status", g.handleStatus)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	if extra != nil {
		extra(r)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
		identity,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

// handleStatus serves GET /status, a lightweight liveness check distinct
// from /health's per-connector probe snapshot.
func (g *Gateway) handleStatus(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]bool{"status": true})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": "0.1.0"})
		return
	}
	snap := g.health.Snapshot()
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
