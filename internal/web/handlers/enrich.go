package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/profile-match/internal/enrich"
)

// EnrichHandler handles enrichment job endpoints.
type EnrichHandler struct {
	jobs *enrich.Manager
}

// NewEnrichHandler creates a new enrichment handler.
func NewEnrichHandler(jobs *enrich.Manager) *EnrichHandler {
	return &EnrichHandler{jobs: jobs}
}

// triggerRequest accepts the locator as "target" or as the "profile" field of a match result.
type triggerRequest struct {
	Target  string `json:"target"`
	Profile string `json:"profile"`
	Name    string `json:"name"`
}

type triggerResponse struct {
	Success          bool   `json:"success"`
	Key              string `json:"key"`
	RunID            string `json:"run_id"`
	Status           string `json:"status"`
	Message          string `json:"message"`
	Created          bool   `json:"created"`
	ExpectedDuration int    `json:"expectedDuration"` // seconds
}

type statusResponse struct {
	Success    bool          `json:"success"`
	Key        string        `json:"key"`
	Target     string        `json:"target"`
	Name       string        `json:"name,omitempty"`
	Status     string        `json:"status"`
	Message    string        `json:"message,omitempty"`
	Result     enrich.Result `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	BegunAt    *time.Time    `json:"begun_at,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

func newStatusResponse(job enrich.Job) statusResponse {
	return statusResponse{
		Success:    true,
		Key:        job.Key,
		Target:     job.Target.Locator,
		Name:       job.Target.Name,
		Status:     string(job.State),
		Message:    job.Message,
		Result:     job.Result,
		Error:      job.ErrorMessage(),
		StartedAt:  job.StartedAt,
		BegunAt:    job.BegunAt,
		UpdatedAt:  job.UpdatedAt,
		FinishedAt: job.FinishedAt,
	}
}

// Trigger handles POST /api/v1/enrich. It returns as soon as the job is registered.
func (h *EnrichHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	locator := req.Target
	if locator == "" {
		locator = req.Profile
	}

	handle, err := h.jobs.Trigger(enrich.Target{Locator: locator, Name: req.Name})
	if err != nil {
		if errors.Is(err, enrich.ErrInvalidTarget) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("enrichment trigger failed", "target", sanitizeForLog(locator), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to start enrichment")
		return
	}

	message := "enrichment started"
	if !handle.Created {
		message = "enrichment already running"
	}
	respondJSON(w, http.StatusAccepted, triggerResponse{
		Success:          true,
		Key:              handle.Key,
		RunID:            handle.RunID,
		Status:           string(handle.State),
		Message:          message,
		Created:          handle.Created,
		ExpectedDuration: int(handle.ExpectedDuration.Seconds()),
	})
}

// keyParam reads a path-escaped job key.
func keyParam(r *http.Request, name string) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}

// Status handles GET /api/v1/enrich/{key}.
func (h *EnrichHandler) Status(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(r, "key")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid job key")
		return
	}

	job, err := h.jobs.Poll(key)
	if errors.Is(err, enrich.ErrUnknownJob) {
		respondError(w, http.StatusNotFound, "enrichment job not found")
		return
	}
	respondJSON(w, http.StatusOK, newStatusResponse(job))
}

// List handles GET /api/v1/enrich.
func (h *EnrichHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.List()
	out := make([]statusResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, newStatusResponse(job))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobs":    out,
	})
}

// Clear handles DELETE /api/v1/enrich/{key}. Running jobs cannot be cleared.
func (h *EnrichHandler) Clear(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(r, "key")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid job key")
		return
	}

	switch err := h.jobs.Clear(key); {
	case errors.Is(err, enrich.ErrUnknownJob):
		respondError(w, http.StatusNotFound, "enrichment job not found")
	case errors.Is(err, enrich.ErrJobActive):
		respondError(w, http.StatusConflict, "enrichment job is still running")
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ScrapeStatus handles the legacy GET /scrape-status/{name} poll, which looks
// jobs up by person name and exposes the summary at the top level.
func (h *EnrichHandler) ScrapeStatus(w http.ResponseWriter, r *http.Request) {
	name, ok := keyParam(r, "name")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid name")
		return
	}

	job, err := h.jobs.PollByName(name)
	if errors.Is(err, enrich.ErrUnknownJob) {
		respondJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"status":  "not_found",
			"error":   "no enrichment found for " + name,
		})
		return
	}

	body := map[string]any{
		"success": true,
		"status":  string(job.State),
		"message": job.Message,
	}
	if summary, ok := job.Result["summary"]; ok {
		body["summary"] = summary
	}
	if msg := job.ErrorMessage(); msg != "" {
		body["error"] = msg
	}
	respondJSON(w, http.StatusOK, body)
}
