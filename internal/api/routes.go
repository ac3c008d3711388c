// Package api provides HTTP handlers and routing for the orchestrator service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	tracing  bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithTracing wraps the router with OpenTelemetry HTTP instrumentation.
func WithTracing(enabled bool) ServerOption {
	return func(s *Server) { s.tracing = enabled }
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, opts ...ServerOption) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server. CORS sits
// outside the router so preflight requests reach it without a matching route.
func (s *Server) Router() http.Handler {
	handler := s.handlers.CORSMiddleware(s.router)
	if s.tracing {
		return TracingMiddleware(handler)
	}
	return handler
}

func (s *Server) setupRoutes() {
	h := s.handlers

	s.router.HandleFunc("/health", h.Health).Methods("GET")
	s.router.HandleFunc("/healthz", h.Health).Methods("GET")
	s.router.HandleFunc("/ready", h.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workflows", h.CreateWorkflow).Methods("POST")
	api.HandleFunc("/workflows", h.ListWorkflows).Methods("GET")
	api.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods("GET")
	api.HandleFunc("/workflows/{id}", h.DeleteWorkflow).Methods("DELETE")
	api.HandleFunc("/workflows/{id}/start", h.StartWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}/cancel", h.CancelWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}/results", h.GetResults).Methods("GET")
	api.HandleFunc("/workflows/{id}/events", h.StreamEvents).Methods("GET")
	api.HandleFunc("/workflows/{id}/ws", h.StreamWebSocket).Methods("GET")
	api.HandleFunc("/workflows/{id}/messages", h.PublishMessage).Methods("POST")

	api.HandleFunc("/agents", h.ListAgents).Methods("GET")
	api.HandleFunc("/agents", h.CreateAgent).Methods("POST")
	api.HandleFunc("/agents/{id}", h.GetAgent).Methods("GET")
	api.HandleFunc("/agents/{id}", h.UpdateAgent).Methods("PUT")
	api.HandleFunc("/agents/{id}", h.DeleteAgent).Methods("DELETE")

	api.HandleFunc("/templates", h.ListTemplates).Methods("GET")
	api.HandleFunc("/templates", h.CreateTemplate).Methods("POST")
	api.HandleFunc("/templates/validate", h.ValidateTemplate).Methods("POST")
	api.HandleFunc("/templates/{id}", h.GetTemplate).Methods("GET")
	api.HandleFunc("/templates/{id}", h.UpdateTemplate).Methods("PUT")
	api.HandleFunc("/templates/{id}", h.DeleteTemplate).Methods("DELETE")

	api.HandleFunc("/runstore/info", h.RunStoreInfo).Methods("GET")

	s.router.Use(h.RequestIDMiddleware)
	if h.config.RateLimitRPS > 0 {
		s.router.Use(NewRateLimiter(h.config.RateLimitRPS, h.config.RateLimitBurst).Handler)
	}
	s.router.Use(h.LoggingMiddleware)
	s.router.Use(h.RecoveryMiddleware)
}
