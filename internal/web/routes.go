package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/profile-match/internal/web/handlers"
	"github.com/kozaktomas/profile-match/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	matchHandler := handlers.NewMatchHandler(s.matcher)
	enrichHandler := handlers.NewEnrichHandler(s.jobs)
	catalogHandler := handlers.NewCatalogHandler(s.matcher.Catalog(), s.matcher.Resolver())

	// Health check (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(s.config.Web.APIKey))

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/match", matchHandler.Match)

			// Enrichment (long-running, poll for status)
			r.Post("/enrich", enrichHandler.Trigger)
			r.Get("/enrich", enrichHandler.List)
			r.Get("/enrich/{key}", enrichHandler.Status)
			r.Delete("/enrich/{key}", enrichHandler.Clear)

			// Catalog
			r.Get("/catalog", catalogHandler.Stats)
			r.Post("/catalog/invalidate/{id}", catalogHandler.Invalidate)
		})

		// Legacy dashboard paths
		r.Post("/match", matchHandler.Match)
		r.Get("/scrape-status/{name}", enrichHandler.ScrapeStatus)
	})
}
