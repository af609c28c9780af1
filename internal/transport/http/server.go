// Package http provides the HTTP transport layer for deferq.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /api/pending
//	GET    /api/stats
//	DELETE /api/tasks/{id}
//	GET    /api/failed
//	DELETE /api/failed
//	POST   /api/subscriptions
//	GET    /api/subscriptions
//	DELETE /api/subscriptions/{id}
//	GET    /api/events     (WebSocket)
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/deferq/internal/config"
	"github.com/snehjoshi/deferq/internal/consumer"
	"github.com/snehjoshi/deferq/internal/dlq"
	"github.com/snehjoshi/deferq/internal/driver"
	"github.com/snehjoshi/deferq/internal/metrics"
	transportws "github.com/snehjoshi/deferq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with deferq route wiring.
type Server struct {
	inner *http.Server
}

// Option attaches optional components to a Server.
type Option func(*Handler)

// WithDeadLetters serves the failed-task ledger under /api/failed.
func WithDeadLetters(l *dlq.Ledger) Option {
	return func(h *Handler) { h.dlq = l }
}

// WithWebhooks serves webhook subscription management under /api/subscriptions.
func WithWebhooks(m *consumer.Manager) Option {
	return func(h *Handler) { h.webhooks = m }
}

// New builds a Server around a Driver. reg and hub may be nil, in which case
// /metrics and /api/events are not registered.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(d *driver.Driver, cfg *config.Config, reg *metrics.Registry, hub *transportws.Hub, opts ...Option) *Server {
	h := &Handler{driver: d}
	for _, o := range opts {
		o(h)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("GET /api/pending", h.pending)
	mux.HandleFunc("GET /api/stats", h.stats)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.cancelTask)

	// Dead-lettered (failed) tasks
	if h.dlq != nil {
		mux.HandleFunc("GET /api/failed", h.peekFailed)
		mux.HandleFunc("DELETE /api/failed", h.drainFailed)
	}

	// Webhook subscriptions
	if h.webhooks != nil {
		mux.HandleFunc("POST /api/subscriptions", h.createSubscription)
		mux.HandleFunc("GET /api/subscriptions", h.listSubscriptions)
		mux.HandleFunc("DELETE /api/subscriptions/{id}", h.deleteSubscription)
	}

	if hub != nil {
		mux.Handle("GET /api/events", hub)
	}

	// Metrics (Prometheus text format)
	if reg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	// Build middleware chain: request id → CORS → body limit → logging → metrics → auth → rate-limit
	var handler http.Handler = mux
	handler = chain(handler,
		RequestIDMiddleware,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware,
		MetricsMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
