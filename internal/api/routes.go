package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flexinfer/blueprint-engine/internal/auth"
)

// ServerOptions holds the optional cross-cutting middleware.
type ServerOptions struct {
	// Auth authenticates /api/v1 requests. Nil leaves the API open.
	Auth *auth.Middleware
	// RateLimit throttles /api/v1 requests per client. Nil disables it.
	RateLimit *auth.RateLimiter
	// Tracing wraps the router in an otelhttp handler.
	Tracing bool
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	opts     ServerOptions
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, opts ServerOptions) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		opts:     opts,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	if s.opts.Tracing {
		return otelhttp.NewHandler(s.router, "blueprint-engine",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + routeTemplate(r)
			}))
	}
	return s.router
}

func (s *Server) setupRoutes() {
	h := s.handlers

	// Health endpoints
	s.router.HandleFunc("/health", h.Health).Methods("GET")
	s.router.HandleFunc("/healthz", h.Health).Methods("GET")
	s.router.HandleFunc("/ready", h.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Preflight requests match no API route; answer them here so the CORS
	// middleware runs.
	s.router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	api := s.router.PathPrefix("/api/v1").Subrouter()
	if s.opts.Auth != nil {
		api.Use(s.opts.Auth.Handler)
	}
	if s.opts.RateLimit != nil {
		api.Use(s.opts.RateLimit.Handler)
	}

	// Blueprints
	api.HandleFunc("/blueprints", h.CreateBlueprint).Methods("POST")
	api.HandleFunc("/blueprints", h.ListBlueprints).Methods("GET")
	api.HandleFunc("/blueprints/{id}", h.GetBlueprint).Methods("GET")
	api.HandleFunc("/blueprints/{id}", h.UpdateBlueprint).Methods("PUT")
	api.HandleFunc("/blueprints/{id}", h.DeleteBlueprint).Methods("DELETE")
	api.HandleFunc("/blueprints/{id}/validate", h.ValidateBlueprint).Methods("POST")
	api.HandleFunc("/blueprints/{id}/publish", h.PublishBlueprint).Methods("POST")
	api.HandleFunc("/blueprints/{id}/versions", h.ListVersions).Methods("GET")

	// Mutations
	api.HandleFunc("/blueprints/{id}/mutations", h.ApplyMutations).Methods("POST")
	api.HandleFunc("/blueprints/{id}/assistant", h.ProposeMutations).Methods("POST")

	// Runs
	api.HandleFunc("/blueprints/{id}/runs", h.StartRuns).Methods("POST")
	api.HandleFunc("/runs", h.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/cancel", h.CancelRun).Methods("POST")
	api.HandleFunc("/runs/{id}/events", h.StreamEvents).Methods("GET")
	api.HandleFunc("/runs/{id}/ws", h.StreamEventsWS).Methods("GET")
	api.HandleFunc("/runs/{id}/archive", h.GetRunArchive).Methods("GET")

	// Approvals
	approver := auth.RequireRole(h.config.Auth.ApproverRole, s.opts.Auth != nil && h.config.Auth.Enabled)
	api.Handle("/runs/{id}/nodes/{node}/approve", approver(http.HandlerFunc(h.ApproveNode))).Methods("POST")
	api.Handle("/runs/{id}/nodes/{node}/reject", approver(http.HandlerFunc(h.RejectNode))).Methods("POST")
	api.Handle("/runs/{id}/nodes/{node}/approval-links", approver(http.HandlerFunc(h.CreateApprovalLinks))).Methods("POST")
	api.HandleFunc("/approvals/{token}", h.RedeemApproval).Methods("POST")

	// Tool catalog
	api.HandleFunc("/tools", h.ListTools).Methods("GET")

	// Applied outermost first: recovery wraps everything.
	s.router.Use(h.RecoveryMiddleware)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(h.SecurityHeadersMiddleware)
	s.router.Use(h.CORSMiddleware)
	s.router.Use(h.LoggingMiddleware)
}
