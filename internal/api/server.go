package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/atelier/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/policy", handler.GetPolicy)

	// API routes (boutique required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Clients
		r.Get("/clients", handler.ListClients)
		r.Post("/clients", handler.CreateClient)
		r.Get("/clients/{id}", handler.GetClient)
		r.Put("/clients/{id}", handler.UpdateClient)
		r.Post("/clients/{id}/purchases", handler.RecordPurchase)
		r.Get("/clients/{id}/matches", handler.ClientMatches)
		r.Post("/tiers/recalculate", handler.RecalculateTiers)

		// Catalog
		r.Get("/watches", handler.ListWatches)
		r.Post("/watches", handler.CreateWatch)
		r.Get("/watches/{id}", handler.GetWatch)
		r.Put("/watches/{id}/availability", handler.SetAvailability)
		r.Get("/watches/{id}/candidates", handler.GetCandidates)

		// Waitlist
		r.Get("/waitlist", handler.ListWaitlist)
		r.Post("/waitlist", handler.AddToWaitlist)
		r.Delete("/waitlist/{id}", handler.RemoveFromWaitlist)

		// Allocation
		r.Post("/allocations", handler.CreateAllocation)
		r.Get("/allocations", handler.ListAllocations)
		r.Get("/greenbox", handler.GreenBox)

		// Scoring rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
