package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/profile-match/internal/config"
	"github.com/kozaktomas/profile-match/internal/enrich"
	"github.com/kozaktomas/profile-match/internal/matcher"
	"github.com/kozaktomas/profile-match/internal/web/middleware"
)

// Server represents the web server
type Server struct {
	config     *config.Config
	router     *chi.Mux
	httpServer *http.Server
	matcher    *matcher.Matcher
	jobs       *enrich.Manager
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, m *matcher.Matcher, jobs *enrich.Manager) *Server {
	r := chi.NewRouter()

	s := &Server{
		config:  cfg,
		router:  r,
		matcher: m,
		jobs:    jobs,
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(2 * time.Minute))
	r.Use(middleware.CORS(cfg.Web.AllowedOrigins))
	r.Use(middleware.SecurityHeaders())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute, // match requests may resolve many candidate photos
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for running enrichment jobs
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down web server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	if err := s.jobs.Wait(ctx); err != nil {
		slog.Warn("enrichment jobs still running at shutdown", "jobs", len(s.jobs.List()))
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
