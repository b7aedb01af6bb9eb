// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/asin-matcher/internal/job"
	"github.com/asin-matcher/internal/logging"
)

// RoutePrefix is where the discovery endpoints are mounted
const RoutePrefix = "/api/asin-discovery"

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	controller job.Controller
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestsPerSecond is the per-client inbound limit; 0 disables it
	RequestsPerSecond int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, controller job.Controller, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:     mux.NewRouter(),
		controller: controller,
		config:     config,
		logger:     logger.Component("api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond)

	// order matters: the request logger must run first
	s.router.Use(RequestLoggerMiddleware(s.logger))
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

// setupRoutes configures all API routes. They are registered on the root
// router rather than a PathPrefix subrouter so a method mismatch reports 405.
func (s *Server) setupRoutes() {
	s.router.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	s.router.NotFoundHandler = http.HandlerFunc(handleNotFound)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc(RoutePrefix+"/batch/start", s.handleStartBatch).Methods(http.MethodPost)
	s.router.HandleFunc(RoutePrefix+"/batch/status", s.handleBatchStatus).Methods(http.MethodGet)
	s.router.HandleFunc(RoutePrefix+"/batch/stop", s.handleStopBatch).Methods(http.MethodPost)
	s.router.HandleFunc(RoutePrefix+"/batch/history/{batchId}", s.handleBatchHistory).Methods(http.MethodGet)

	s.router.HandleFunc(RoutePrefix+"/mappings/{productId}", s.handleGetMappings).Methods(http.MethodGet)
	s.router.HandleFunc(RoutePrefix+"/process-product/{productId}", s.handleProcessProduct).Methods(http.MethodPost)
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed,
		fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path), nil)
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, ErrCodeNotFound,
		fmt.Sprintf("no route for %s", r.URL.Path), nil)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "asin-matcher",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
