package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shiai-ai/shiai/internal/ratelimit"
)

// Server is the work-order engine's HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Limiter, Broker.
type ServerConfig struct {
	// Required dependencies.
	Handlers HandlersDeps

	// Optional dependencies (nil = disabled).
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Handlers)

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Mutating endpoints are limited per client IP; reads and the SSE
	// stream are not.
	submitRL := ratelimit.Middleware(cfg.Limiter, "submit", ratelimit.IPKeyFunc, reqIDFunc)
	mutateRL := ratelimit.Middleware(cfg.Limiter, "mutate", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	mux.Handle("POST /v1/work-orders", submitRL(http.HandlerFunc(h.HandleCreateWorkOrder)))
	mux.HandleFunc("GET /v1/work-orders/active", h.HandleListActive)
	mux.HandleFunc("GET /v1/work-orders/history", h.HandleListHistory)
	mux.Handle("DELETE /v1/work-orders/history", mutateRL(http.HandlerFunc(h.HandlePurgeHistory)))

	// Event stream (no rate limit — long-lived connection).
	mux.HandleFunc("GET /v1/work-orders/subscribe", h.HandleSubscribe)

	mux.HandleFunc("GET /v1/work-orders/{id}", h.HandleGetWorkOrder)
	mux.Handle("POST /v1/work-orders/{id}/cancel", mutateRL(http.HandlerFunc(h.HandleCancelWorkOrder)))

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Handlers.Logger, handler)
	handler = loggingMiddleware(cfg.Handlers.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Handlers.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
