// Package server provides the HTTP surface of the chat bridge: health
// and status probes, the hook callback endpoint, and an operator
// restart endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/chat-bridge/internal/bridge"
	"github.com/workspace/chat-bridge/internal/config"
	"github.com/workspace/chat-bridge/internal/procctl"
)

// ProcessController is the controller surface the HTTP handlers need.
type ProcessController interface {
	IsRunning() bool
	State() procctl.State
	Restart() error
	StartedAt() time.Time
	LastRestart() time.Time
	Pid() int
}

// Server is the HTTP server for the chat bridge.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	coord      *bridge.Coordinator
	ctl        ProcessController
	startedAt  time.Time
}

// New creates a new server instance.
func New(cfg *config.Config, coord *bridge.Coordinator, ctl ProcessController) *Server {
	s := &Server{
		config:    cfg,
		coord:     coord,
		ctl:       ctl,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return s
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /hook", s.requireAPIKey(s.handleHook))
	mux.HandleFunc("POST /restart", s.requireAPIKey(s.handleRestart))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if s.config.APIKey == "" {
		slog.Warn("BRIDGE_API_KEY is not set: /hook and /restart are unauthenticated")
	}
	slog.Info("Starting chat bridge HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// requireAPIKey guards mutating endpoints with the shared secret. When
// no key is configured the endpoints stay open for local setups.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing X-API-Key header")
			return
		}
		if key != s.config.APIKey {
			slog.Warn("Rejected request with invalid API key",
				"path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next(w, r)
	}
}
