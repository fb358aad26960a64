package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/ratelimit"
)

// Config holds the HTTP server settings.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wires the handler set behind the middleware chain and owns the
// listener lifecycle.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New builds the server. The limiter applies to the ingestion and query
// endpoints, keyed by org when the request carries one.
func New(cfg Config, h *Handlers, limiter ratelimit.Limiter, logger *slog.Logger) *Server {
	ingestLimit := ratelimit.Middleware(limiter, "ingest", ratelimit.OrgKeyFunc)
	queryLimit := ratelimit.Middleware(limiter, "query", ratelimit.OrgKeyFunc)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/signals", ingestLimit(http.HandlerFunc(h.HandleIngestSignal)))
	mux.Handle("GET /v1/signals", queryLimit(http.HandlerFunc(h.HandleQuerySignals)))
	mux.Handle("GET /v1/decisions", queryLimit(http.HandlerFunc(h.HandleQueryDecisions)))
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Order matters: the request ID must exist before tracing and logging
	// reference it, and recovery sits closest to the handlers.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = loggingMiddleware(logger, handler)
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
		handler: handler,
		logger:  logger,
	}
}

// Handler exposes the composed handler, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.handler }

// Start blocks serving requests until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
