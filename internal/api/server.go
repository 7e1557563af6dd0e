// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/crm-prospector/internal/config"
	"github.com/crm-prospector/internal/job"
	"github.com/crm-prospector/internal/logging"
	"github.com/crm-prospector/internal/storage"
	"github.com/gorilla/mux"
)

const serviceName = "crm-prospector"

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	jobs       job.ProspectJob
	store      storage.Store
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int // Requests per second per tenant
	RateLimitBurst  int
	AllowedOrigins  []string
}

// ServerConfigFrom maps the application config onto the server's
func ServerConfigFrom(cfg *config.Config) *ServerConfig {
	return &ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimitRPS:    cfg.RateLimit.RequestsPerSecond,
		RateLimitBurst:  cfg.RateLimit.Burst,
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
	}
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, jobs job.ProspectJob, store storage.Store) *Server {
	s := &Server{
		router: mux.NewRouter(),
		jobs:   jobs,
		store:  store,
		config: config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
	s.router.Use(TenantMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter)) // keyed by tenant, so after TenantMiddleware

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Prospecting jobs
	api.HandleFunc("/ai/prospect/jobs", s.handleCreateJob).Methods("POST", "OPTIONS")
	api.HandleFunc("/ai/prospect/jobs/{id}", s.handleGetJob).Methods("GET", "OPTIONS")
	api.HandleFunc("/ai/prospect/jobs/{id}/events", s.handleListEvents).Methods("GET", "OPTIONS")

	// Lead imports produced by completed jobs
	api.HandleFunc("/leads/imports/{id}", s.handleGetImport).Methods("GET", "OPTIONS")
	api.HandleFunc("/leads/imports/{id}/items", s.handleGetImportItems).Methods("GET", "OPTIONS")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found: "+r.URL.Path, nil)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed: "+r.Method, nil)
	})
}

// Handler exposes the router, mainly for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports the service and its store
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]interface{}{
		"status":     "healthy",
		"service":    serviceName,
		"store":      s.store.Name(),
		"activeJobs": len(s.jobs.ActiveTasks()),
	}
	if err := s.store.Ping(ctx); err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("Store health check failed")
		body["status"] = "unhealthy"
		respondJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	respondJSON(w, http.StatusOK, body)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
