// Package matcher runs a face-match request end to end: query embedding,
// name prefilter, candidate vector resolution and ranking.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/profile-match/internal/catalog"
	"github.com/kozaktomas/profile-match/internal/embedding"
	"github.com/kozaktomas/profile-match/internal/photocache"
	"github.com/kozaktomas/profile-match/internal/prefilter"
	"github.com/kozaktomas/profile-match/internal/ranker"
)

// ErrNoCandidates means no candidate could be scored, for example because
// every candidate photo failed to resolve.
var ErrNoCandidates = ranker.ErrNoCandidates

// QueryError is an uploaded image that cannot be matched (not an image, no face).
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string { return "query image: " + e.Err.Error() }

func (e *QueryError) Unwrap() error { return e.Err }

// Embedder computes the face vector of the uploaded image.
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
}

// Request is one uploaded photo to identify.
type Request struct {
	Image    []byte
	Filename string
	// NameHint overrides the probable name derived from Filename.
	NameHint string
}

// Result is one ranked candidate as presented to clients.
type Result struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Headline   string  `json:"headline,omitempty"`
	Platform   string  `json:"platform"`
	Confidence int     `json:"confidence"`
	Similarity float64 `json:"similarity"`
	Status     string  `json:"status"`
	Profile    string  `json:"profile"`
}

// FailureReport names a candidate that was excluded because its photo could not be resolved.
type FailureReport struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Response is the outcome of a match request. Success is false only when no
// candidate could be scored at all.
type Response struct {
	Success    bool            `json:"success"`
	RequestID  string          `json:"request_id"`
	NameHint   string          `json:"name_hint,omitempty"`
	Results    []Result        `json:"results"`
	Candidates int             `json:"candidates"`
	Failures   []FailureReport `json:"failures,omitempty"`
	Error      string          `json:"error,omitempty"`
	Duration   string          `json:"duration"`
}

// Matcher is safe for concurrent use.
type Matcher struct {
	catalog  *catalog.Catalog
	embedder Embedder
	resolver *photocache.Resolver
	filter   *prefilter.Filter
	ranker   *ranker.Ranker

	indexed atomic.Int64 // resolved entry count at the last ANN index build
}

// New creates a matcher over cat.
func New(cat *catalog.Catalog, embedder Embedder, resolver *photocache.Resolver, filter *prefilter.Filter, rk *ranker.Ranker) *Matcher {
	m := &Matcher{
		catalog:  cat,
		embedder: embedder,
		resolver: resolver,
		filter:   filter,
		ranker:   rk,
	}
	m.indexed.Store(-1)
	return m
}

// Catalog returns the catalog the matcher ranks against.
func (m *Matcher) Catalog() *catalog.Catalog { return m.catalog }

// Resolver returns the photo cache used for candidates.
func (m *Matcher) Resolver() *photocache.Resolver { return m.resolver }

// ProbableName returns the name hint used for prefiltering a request.
func ProbableName(req Request) string {
	if hint := strings.TrimSpace(req.NameHint); hint != "" {
		return hint
	}
	if req.Filename == "" {
		return ""
	}
	return prefilter.HintFromFilename(req.Filename)
}

// Match identifies the person in req.Image. Errors are returned for unusable
// query images, embedder failures and cancellation; unavailable candidates are
// reported in the response instead.
func (m *Matcher) Match(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp := &Response{
		RequestID: uuid.New().String(),
		NameHint:  ProbableName(req),
		Results:   []Result{},
	}

	if _, err := embedding.ValidateImage(req.Image); err != nil {
		return nil, &QueryError{Err: err}
	}
	query, err := m.embedder.Embed(ctx, req.Image)
	if err != nil {
		if errors.Is(err, embedding.ErrNoFace) {
			return nil, &QueryError{Err: err}
		}
		return nil, fmt.Errorf("embed query image: %w", err)
	}

	candidates := m.filter.Narrow(m.catalog.Entries(), resp.NameHint)

	resolution, err := m.resolver.ResolveAll(ctx, candidates, nil)
	if err != nil {
		return nil, err
	}
	for _, f := range resolution.Failures {
		resp.Failures = append(resp.Failures, FailureReport{ID: f.EntryID, Error: f.Err.Error()})
	}
	m.refreshIndex()

	ranked, err := m.ranker.Rank(ctx, query, resolution.Resolved)
	resp.Duration = time.Since(start).Round(time.Millisecond).String()
	switch {
	case errors.Is(err, ErrNoCandidates):
		resp.Error = err.Error()
		slog.Warn("match produced no candidates", "request_id", resp.RequestID,
			"candidates", len(candidates), "failures", len(resolution.Failures))
		return resp, nil
	case err != nil:
		return nil, err
	}

	resp.Success = true
	resp.Candidates = ranked.Candidates
	for _, match := range ranked.Matches {
		resp.Results = append(resp.Results, newResult(match))
	}

	slog.Info("match completed", "request_id", resp.RequestID, "hint", resp.NameHint,
		"candidates", ranked.Candidates, "failures", len(resolution.Failures),
		"results", len(resp.Results), "duration", resp.Duration)
	return resp, nil
}

// refreshIndex rebuilds the ANN shortlist index when the set of resolved
// vectors changed since the last build.
func (m *Matcher) refreshIndex() {
	resolved := int64(m.catalog.Resolved())
	if m.indexed.Swap(resolved) == resolved {
		return
	}
	if err := m.ranker.BuildIndex(m.catalog.Entries()); err != nil {
		slog.Warn("failed to build ANN index", "error", err)
	}
}

func newResult(match ranker.Match) Result {
	e := match.Entry
	return Result{
		ID:         e.ID,
		Name:       e.DisplayName,
		Headline:   e.Headline,
		Platform:   Platform(e),
		Confidence: match.Confidence,
		Similarity: match.Similarity,
		Status:     ranker.Status(match.Confidence),
		Profile:    e.Locator(),
	}
}

// Platform names the site hosting the entry's profile.
func Platform(e *catalog.Entry) string {
	if e.ProfileURL == "" {
		return "Catalog"
	}
	u, err := url.Parse(e.ProfileURL)
	if err != nil || u.Hostname() == "" {
		return "Web"
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "linkedin.com" || strings.HasSuffix(host, ".linkedin.com"):
		return "LinkedIn"
	case host == "github.com":
		return "GitHub"
	default:
		return host
	}
}
