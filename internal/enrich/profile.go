package enrich

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/kozaktomas/profile-match/internal/catalog"
	"github.com/kozaktomas/profile-match/internal/constants"
)

// Summarizer turns profile text into a JSON-ish summary.
type Summarizer interface {
	Name() string
	Summarize(ctx context.Context, text string) (string, error)
}

type ProfileTaskOptions struct {
	// PageAttempts is the number of attempts to download the profile page.
	PageAttempts   int
	AttemptTimeout time.Duration
	// SummarizeAttempts is the number of summarizer attempts per chunk.
	SummarizeAttempts int
	// BackoffBase is the unit of the retry backoff: base*2^n plus up to one base of jitter.
	BackoffBase time.Duration
	// BackoffMax caps a single retry sleep.
	BackoffMax time.Duration
	ChunkMax   int
	// Lookup resolves catalog:<id> locators.
	Lookup func(id string) (*catalog.Entry, bool)
}

func (o ProfileTaskOptions) withDefaults() ProfileTaskOptions {
	if o.PageAttempts <= 0 {
		o.PageAttempts = constants.DefaultFetchAttempts
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = constants.DefaultFetchTimeout
	}
	if o.SummarizeAttempts <= 0 {
		o.SummarizeAttempts = constants.SummarizeAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.ChunkMax <= 0 {
		o.ChunkMax = constants.SummaryChunkMax
	}
	return o
}

// ProfileTask downloads a profile page, extracts and cleans its text and
// summarizes it with an LLM.
type ProfileTask struct {
	client     *http.Client
	summarizer Summarizer
	opts       ProfileTaskOptions
}

// NewProfileTask creates the default enrichment task.
func NewProfileTask(summarizer Summarizer, opts ProfileTaskOptions) *ProfileTask {
	return &ProfileTask{
		client:     &http.Client{},
		summarizer: summarizer,
		opts:       opts.withDefaults(),
	}
}

// pageError is a failed page download; retryable for transport errors and 5xx/429.
type pageError struct {
	status    int
	retryable bool
	err       error
}

func (e *pageError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("profile page returned status %d", e.status)
	}
	return "profile page: " + e.err.Error()
}

func (e *pageError) Unwrap() error { return e.err }

func (t *ProfileTask) Run(ctx context.Context, target Target, progress Reporter) (Result, error) {
	pageURL, text, err := t.source(target)
	if err != nil {
		return nil, err
	}

	if pageURL != "" {
		progress.Update("fetching profile page")
		page, err := t.fetchPage(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		progress.Begin()

		text, err = ExtractText(bytes.NewReader(page))
		if err != nil {
			return nil, fmt.Errorf("extract profile text: %w", err)
		}
	} else {
		progress.Begin()
	}

	text = Preprocess(text)
	if text == "" {
		return nil, errors.New("profile page contains no usable text")
	}

	chunks := Chunk(text, t.opts.ChunkMax)
	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		progress.Update(fmt.Sprintf("summarizing part %d of %d", i+1, len(chunks)))
		s, err := t.summarize(ctx, chunk)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}

	final := summaries[0]
	if len(summaries) > 1 {
		progress.Update("combining summaries")
		final, err = t.summarize(ctx, strings.Join(summaries, "\n\n"))
		if err != nil {
			return nil, err
		}
	}

	result := Result{
		"summary": ParseJSONish(final),
		"chunks":  len(chunks),
		"model":   t.summarizer.Name(),
	}
	if pageURL != "" {
		result["profile"] = pageURL
	}
	if target.Name != "" {
		result["name"] = target.Name
	}
	return result, nil
}

// source returns the page to download, or the text to summarize directly for
// catalog entries without a profile URL.
func (t *ProfileTask) source(target Target) (string, string, error) {
	id, ok := strings.CutPrefix(target.Locator, catalog.LocatorPrefix)
	if !ok {
		return target.Locator, "", nil
	}
	if t.opts.Lookup == nil {
		return "", "", fmt.Errorf("%w: catalog lookups are not configured", ErrInvalidTarget)
	}
	entry, found := t.opts.Lookup(id)
	if !found {
		return "", "", fmt.Errorf("%w: unknown catalog id %q", ErrInvalidTarget, id)
	}
	if entry.ProfileURL != "" {
		return entry.ProfileURL, "", nil
	}
	return "", entry.DisplayName + "\n" + entry.Headline, nil
}

func (t *ProfileTask) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	var lastErr error
	for attempt := range t.opts.PageAttempts {
		page, err := t.fetchPageOnce(ctx, pageURL)
		if err == nil {
			return page, nil
		}
		lastErr = err

		var pe *pageError
		if !errors.As(err, &pe) || !pe.retryable || attempt == t.opts.PageAttempts-1 {
			break
		}
		if err := t.sleep(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (t *ProfileTask) fetchPageOnce(ctx context.Context, pageURL string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.opts.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &pageError{err: err}
	}
	req.Header.Set("User-Agent", constants.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &pageError{err: err, retryable: ctx.Err() == nil}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, &pageError{status: resp.StatusCode, retryable: retryable}
	}

	page, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxProfilePageSize))
	if err != nil {
		return nil, &pageError{err: err, retryable: true}
	}
	return page, nil
}

func (t *ProfileTask) summarize(ctx context.Context, text string) (string, error) {
	var lastErr error
	for attempt := range t.opts.SummarizeAttempts {
		s, err := t.summarizer.Summarize(ctx, text)
		if err == nil && strings.TrimSpace(s) != "" {
			return s, nil
		}
		if err == nil {
			err = errors.New("empty summary")
		}
		lastErr = err
		if attempt == t.opts.SummarizeAttempts-1 {
			break
		}
		slog.Warn("summarizer attempt failed", "attempt", attempt+1, "of", t.opts.SummarizeAttempts, "error", err)
		if err := t.sleep(ctx, attempt); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("summarization failed after %d attempts: %w", t.opts.SummarizeAttempts, lastErr)
}

// sleep waits base*2^(attempt+1) plus up to one base of jitter, capped at BackoffMax.
func (t *ProfileTask) sleep(ctx context.Context, attempt int) error {
	d := t.opts.BackoffBase << (attempt + 1)
	d += time.Duration(rand.Float64() * float64(t.opts.BackoffBase))
	d = min(d, t.opts.BackoffMax)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
