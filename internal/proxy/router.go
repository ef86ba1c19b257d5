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

// Server wires the Pipeline and HealthChecker into the public HTTP surface.
type Server struct {
	pipeline    *Pipeline
	health      *HealthChecker
	instanceID  string
	corsOrigins []string
}

// NewServer creates a Server.
func NewServer(pipeline *Pipeline, health *HealthChecker, instanceID string, corsOrigins []string) *Server {
	return &Server{
		pipeline:    pipeline,
		health:      health,
		instanceID:  instanceID,
		corsOrigins: corsOrigins,
	}
}

// Handler builds the full fasthttp handler: router plus middleware chain.
func (s *Server) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/proxy/translate", s.handleTranslate)
	r.HEAD("/proxy/translate", s.handleTranslateHead)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	r.GET("/stats", s.handleStats)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		s.instanceHeader,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (s *Server) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      s.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

// instanceHeader stamps every response with X-Instance-ID.
func (s *Server) instanceHeader(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.Response.Header.Set("X-Instance-ID", s.instanceID)
		next(ctx)
	}
}

func (s *Server) handleTranslate(ctx *fasthttp.RequestCtx) {
	s.pipeline.HandleTranslate(ctx)
}

func (s *Server) handleTranslateHead(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "instance_id": s.instanceID})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// handleStats returns cache, deduplicator, and rate-limiter counters.
func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.pipeline.Stats())
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
