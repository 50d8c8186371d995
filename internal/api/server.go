package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/shrike/internal/domain"
	"github.com/opensource-finance/shrike/internal/review"
	"github.com/opensource-finance/shrike/internal/service"
)

// Server is the HTTP front end. All business routes sit behind the tenant
// middleware; only the health probes are open.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer wires the router, middleware and handlers.
func NewServer(cfg domain.ServerConfig, facade *service.Service, reviewSvc *review.Service, repo domain.Repository, cache domain.Cache, version string) *Server {
	handler := NewHandler(facade, reviewSvc, repo, cache, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Probes stay outside the tenant requirement so orchestrators can hit
	// them without headers.
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Statement line processing
		r.Post("/classify", handler.Classify)
		r.Post("/resolve", handler.Resolve)
		r.Post("/price", handler.Price)
		r.Get("/resolutions/{id}", handler.GetResolution)

		// Classification management
		r.Get("/classifications", handler.ListClassifications)
		r.Post("/classifications", handler.CreateClassification)
		r.Get("/classifications/{id}", handler.GetClassification)
		r.Delete("/classifications/{id}", handler.DeleteClassification)

		// Pattern management
		r.Get("/patterns", handler.ListPatterns)
		r.Post("/patterns", handler.CreatePattern)
		r.Post("/patterns/reload", handler.ReloadPatterns)
		r.Get("/patterns/{id}", handler.GetPattern)
		r.Put("/patterns/{id}", handler.UpdatePattern)
		r.Delete("/patterns/{id}", handler.DeletePattern)

		// Rate profile management
		r.Get("/profiles", handler.ListProfiles)
		r.Post("/profiles", handler.CreateProfile)
		r.Get("/profiles/{id}", handler.GetProfile)
		r.Get("/profiles/{id}/series/{series}", handler.ListRateEntries)
		r.Post("/profiles/{id}/series/{series}/entries", handler.AddRateEntry)
		r.Delete("/profiles/{id}/series/{series}/entries/{entryId}", handler.DeleteRateEntry)

		// Review queue statistics
		r.Get("/review/stats", handler.ReviewStats)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
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

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the mux so tests can drive it with httptest.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler exposes the handler set for tests.
func (s *Server) Handler() *Handler {
	return s.handler
}
