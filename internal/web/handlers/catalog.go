package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/profile-match/internal/catalog"
	"github.com/kozaktomas/profile-match/internal/photocache"
)

// CatalogHandler exposes catalog state and vector cache maintenance.
type CatalogHandler struct {
	catalog  *catalog.Catalog
	resolver *photocache.Resolver
}

// NewCatalogHandler creates a new catalog handler.
func NewCatalogHandler(cat *catalog.Catalog, resolver *photocache.Resolver) *CatalogHandler {
	return &CatalogHandler{catalog: cat, resolver: resolver}
}

type catalogStats struct {
	Source   string           `json:"source"`
	Entries  int              `json:"entries"`
	Resolved int              `json:"resolved"`
	Cache    photocache.Stats `json:"cache"`
}

// Stats handles GET /api/v1/catalog.
func (h *CatalogHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, catalogStats{
		Source:   h.catalog.Source(),
		Entries:  h.catalog.Len(),
		Resolved: h.catalog.Resolved(),
		Cache:    h.resolver.Stats(),
	})
}

// Invalidate handles POST /api/v1/catalog/invalidate/{id}: the entry's vector
// is dropped and re-resolved on the next match.
func (h *CatalogHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, ok := h.catalog.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "catalog entry not found")
		return
	}

	if err := h.resolver.Invalidate(r.Context(), entry); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"id":      entry.ID,
	})
}
