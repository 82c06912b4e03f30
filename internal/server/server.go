package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BadgerOps/resurrect/internal/config"
	"github.com/BadgerOps/resurrect/internal/engine"
	"github.com/BadgerOps/resurrect/internal/store"
	"github.com/BadgerOps/resurrect/internal/tier"
)

// DefaultHeartbeat is how often an idle progress stream sends a keep-alive comment.
const DefaultHeartbeat = 15 * time.Second

// Server represents the HTTP API of the restoration service.
type Server struct {
	orch       *engine.Orchestrator
	store      *store.Store
	config     *config.Config
	model      tier.Model
	logger     *slog.Logger
	heartbeat  time.Duration
	httpServer *http.Server
}

// NewServer creates a new Server instance.
func NewServer(
	orch *engine.Orchestrator,
	st *store.Store,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Server{
		orch:      orch,
		store:     st,
		config:    cfg,
		model:     cfg.Model(),
		logger:    logger,
		heartbeat: DefaultHeartbeat,
	}
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:        listenAddr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: progress streams stay open until the restore ends.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes registers all HTTP routes on a new ServeMux.
// Uses Go 1.22+ enhanced routing with method prefixes and path variables.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Reference data and previews
	mux.HandleFunc("GET /api/tiers", s.handleAPITiers)
	mux.HandleFunc("POST /api/estimates", s.handleAPIEstimate)

	// Request lifecycle
	mux.HandleFunc("POST /api/requests", s.handleAPISubmit)
	mux.HandleFunc("GET /api/requests", s.handleAPIListRequests)
	mux.HandleFunc("GET /api/requests/{id}", s.handleAPIGetRequest)
	mux.HandleFunc("GET /api/requests/{id}/events", s.handleAPIRequestEvents)
	mux.HandleFunc("GET /api/requests/{id}/progress", s.handleAPIRequestProgress)
	mux.HandleFunc("POST /api/requests/{id}/approvals", s.handleAPIApproval)
	mux.HandleFunc("POST /api/requests/{id}/cancel", s.handleAPICancel)

	return mux
}

// writeJSON encodes v as the response body.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func jsonError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
