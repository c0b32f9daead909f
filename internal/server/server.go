// Package server provides the HTTP surface of the pipeline daemon: the
// commit endpoint, record lookup, rollout introspection, the live events
// WebSocket, health, and metrics.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kestrelmem/kestrel/internal/events"
	"github.com/kestrelmem/kestrel/internal/observability"
	"github.com/kestrelmem/kestrel/internal/orchestrator"
	"github.com/kestrelmem/kestrel/internal/rollout"
	"github.com/kestrelmem/kestrel/internal/storage"
)

// Config holds server settings.
type Config struct {
	// Addr is the listen address, e.g. ":7171". Port 0 picks a free port.
	Addr string

	// CommitRate and CommitBurst bound the commit endpoint.
	CommitRate  float64
	CommitBurst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        ":7171",
		CommitRate:  100,
		CommitBurst: 200,
	}
}

// Server is the running HTTP front end.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	hub        *events.Hub
}

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects requests beyond the configured commit rate.
func rateLimitMiddleware(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start builds the mux and begins serving. It returns once the listener is
// bound; Addr reports the bound address for port-0 configs.
func Start(cfg Config, orch *orchestrator.Orchestrator, store storage.CanonicalStore, ctrl *rollout.Controller, hub *events.Hub) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	go hub.Run()

	api := newAPIHandlers(orch, store, ctrl)
	limiter := rate.NewLimiter(rate.Limit(cfg.CommitRate), cfg.CommitBurst)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/commit", rateLimitMiddleware(limiter, http.HandlerFunc(api.Commit)))
	mux.HandleFunc("GET /v1/records/{fingerprint}", api.GetRecord)
	mux.HandleFunc("GET /v1/rollout", api.GetRollout)
	mux.Handle("GET /v1/events", hub)
	mux.HandleFunc("GET /healthz", api.Health)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	s := &Server{
		httpServer: &http.Server{
			Handler:           securityHeadersMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		hub:      hub,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve failed: %v", err)
		}
	}()

	log.Printf("server: listening on %s", listener.Addr())
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and stops the events hub.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Stop()
	return err
}
