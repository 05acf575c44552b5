package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kozaktomas/profile-match/internal/constants"
	"github.com/kozaktomas/profile-match/internal/embedding"
	"github.com/kozaktomas/profile-match/internal/matcher"
)

// Matcher runs match requests.
type Matcher interface {
	Match(ctx context.Context, req matcher.Request) (*matcher.Response, error)
}

// MatchHandler handles photo identification uploads.
type MatchHandler struct {
	matcher Matcher
}

// NewMatchHandler creates a new match handler.
func NewMatchHandler(m Matcher) *MatchHandler {
	return &MatchHandler{matcher: m}
}

// Match handles POST /api/v1/match: multipart field "file" with the photo and
// an optional "name" field with the probable name of the person.
func (h *MatchHandler) Match(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)
	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}

	resp, err := h.matcher.Match(r.Context(), matcher.Request{
		Image:    image,
		Filename: header.Filename,
		NameHint: r.FormValue("name"),
	})
	if err != nil {
		h.respondMatchError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *MatchHandler) respondMatchError(w http.ResponseWriter, r *http.Request, err error) {
	var qe *matcher.QueryError
	switch {
	case errors.Is(err, embedding.ErrNotImage):
		respondError(w, http.StatusBadRequest, "uploaded file is not a supported image")
	case errors.As(err, &qe):
		respondError(w, http.StatusUnprocessableEntity, "no face detected in the uploaded image")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "match request timed out")
	default:
		slog.Error("match failed", "path", sanitizeForLog(r.URL.Path), "error", err)
		respondError(w, http.StatusBadGateway, "face embedding service unavailable")
	}
}
