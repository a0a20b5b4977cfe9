// Package api provides the HTTP surface: sync triggers, OAuth completion and
// the read-only job inspection endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/provider-sync/internal/logging"
	"github.com/provider-sync/internal/models"
	"github.com/provider-sync/internal/provider"
	"github.com/provider-sync/internal/storage"
	syncengine "github.com/provider-sync/internal/sync"
)

// Store interfaces for dependency injection and testing

// ConnectionStore exposes the connection queries the API needs
type ConnectionStore interface {
	Create(ctx context.Context, conn *models.Connection) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Connection, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.Connection, error)
}

// JobStore exposes the read-only sync job history
type JobStore interface {
	GetLatest(ctx context.Context, tenantID, connectionID uuid.UUID) (*models.SyncJob, error)
	ListByConnection(ctx context.Context, tenantID, connectionID uuid.UUID, limit int) ([]*models.SyncJob, error)
}

// StagingCounter exposes staged record totals
type StagingCounter interface {
	Counts(ctx context.Context, connectionID uuid.UUID) (*storage.StagingCounts, error)
}

// SyncService is the orchestrator surface the API writes through
type SyncService interface {
	RunSync(ctx context.Context, tenantID, connectionID uuid.UUID, opts syncengine.Options) (*syncengine.SyncSummary, error)
	CompleteAuthorization(ctx context.Context, tenantID, connectionID uuid.UUID, code string) error
}

// Server is the HTTP API server
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	connections ConnectionStore
	jobs        JobStore
	staging     StagingCounter
	syncer      SyncService
	registry    *provider.Registry
	config      *ServerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
}

// NewServer creates a new API server instance
func NewServer(
	config *ServerConfig,
	connections ConnectionStore,
	jobs JobStore,
	staging StagingCounter,
	syncer SyncService,
	registry *provider.Registry,
) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		connections: connections,
		jobs:        jobs,
		staging:     staging,
		syncer:      syncer,
		registry:    registry,
		config:      config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)

	// middleware order matters: recovery outermost after logging
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// connection lifecycle
	api.HandleFunc("/connections", s.handleCreateConnection).Methods("POST")
	api.HandleFunc("/connections", s.handleListConnections).Methods("GET")
	api.HandleFunc("/connections/{id}", s.handleGetConnection).Methods("GET")
	api.HandleFunc("/connections/{id}/authorize", s.handleAuthorize).Methods("POST")

	// sync trigger and inspection
	api.HandleFunc("/connections/{id}/sync", s.handleTriggerSync).Methods("POST")
	api.HandleFunc("/connections/{id}/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/connections/{id}/staging", s.handleStagingCounts).Methods("GET")
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "provider-sync",
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	logging.GetGlobalLogger().WithField("addr", s.httpServer.Addr).Info("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logging.GetGlobalLogger().Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the configured router, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}
