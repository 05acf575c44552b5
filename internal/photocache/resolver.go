// Package photocache resolves catalog entries to face vectors: it downloads
// each photo once, embeds it and keeps the vector on the entry.
package photocache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/kozaktomas/profile-match/internal/catalog"
	"github.com/kozaktomas/profile-match/internal/constants"
	"github.com/kozaktomas/profile-match/internal/database"
	"github.com/kozaktomas/profile-match/internal/embedding"
)

type Options struct {
	// Concurrency is the number of entries resolved at the same time.
	Concurrency int
	// MaxAttempts is the number of download attempts per entry.
	MaxAttempts    int
	AttemptTimeout time.Duration
	EmbedTimeout   time.Duration

	// BackoffInitial is the initial sleep before retrying a transient failure.
	BackoffInitial time.Duration
	// BackoffMax caps exponential backoff.
	BackoffMax time.Duration
	// BackoffJitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%).
	BackoffJitterFrac float64

	// RateLimitRPS is a global limit on download attempts. Set to <=0 to disable.
	RateLimitRPS float64

	// TTL expires cached vectors. Zero keeps them for the process lifetime.
	TTL time.Duration

	// Store persists vectors across restarts (optional).
	Store database.VectorStore

	// Now is the clock, defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = constants.DefaultFetchConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = constants.DefaultFetchAttempts
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = constants.DefaultFetchTimeout
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = constants.DefaultEmbedTimeout
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = constants.DefaultBackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = constants.DefaultBackoffMax
	}
	if o.BackoffJitterFrac < 0 {
		o.BackoffJitterFrac = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Stats are cumulative resolver counters.
type Stats struct {
	Hits          int64 `json:"hits"`        // served from the entry without network access
	Resolutions   int64 `json:"resolutions"` // fetch+embed pipelines started
	FetchAttempts int64 `json:"fetch_attempts"`
	Embeds        int64 `json:"embeds"`
	Failures      int64 `json:"failures"`
}

// Resolver resolves entry vectors with bounded concurrency and per-entry coalescing.
type Resolver struct {
	fetcher  Fetcher
	embedder Embedder
	opts     Options

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	flight  singleflight.Group

	// pending holds resolved vectors not yet written to the store.
	pendingMu sync.Mutex
	pending   map[string]database.StoredVector

	hits, resolutions, attempts, embeds, failures atomic.Int64
}

// NewResolver creates a resolver.
func NewResolver(fetcher Fetcher, embedder Embedder, opts Options) *Resolver {
	opts = opts.withDefaults()
	r := &Resolver{
		fetcher:  fetcher,
		embedder: embedder,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		pending:  make(map[string]database.StoredVector),
	}
	if opts.RateLimitRPS > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}
	return r
}

// Stats returns a snapshot of the counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Hits:          r.hits.Load(),
		Resolutions:   r.resolutions.Load(),
		FetchAttempts: r.attempts.Load(),
		Embeds:        r.embeds.Load(),
		Failures:      r.failures.Load(),
	}
}

func (r *Resolver) fresh(v *catalog.Vector) bool {
	if v == nil || len(v.Values) == 0 {
		return false
	}
	return r.opts.TTL <= 0 || r.opts.Now().Sub(v.CachedAt) < r.opts.TTL
}

// Resolve returns the entry's vector, fetching and embedding its photo if needed.
// Concurrent calls for the same entry share one resolution. The shared work is
// detached from ctx: a caller giving up does not abort it for the others.
func (r *Resolver) Resolve(ctx context.Context, entry *catalog.Entry) ([]float32, error) {
	vec, err := r.resolveShared(ctx, entry)
	if err != nil {
		return nil, err
	}
	if err := r.Flush(ctx); err != nil {
		slog.Warn("persisting vectors failed", "error", err)
	}
	return vec, nil
}

func (r *Resolver) resolveShared(ctx context.Context, entry *catalog.Entry) ([]float32, error) {
	if v := entry.Vector(); r.fresh(v) {
		r.hits.Add(1)
		return v.Values, nil
	}

	ch := r.flight.DoChan(entry.ID, func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx), entry)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

func (r *Resolver) resolve(ctx context.Context, entry *catalog.Entry) ([]float32, error) {
	// A flight that finished just before this one started may have filled the slot.
	if v := entry.Vector(); r.fresh(v) {
		r.hits.Add(1)
		return v.Values, nil
	}
	gen := entry.Generation()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	r.resolutions.Add(1)
	vec, err := r.fetchAndEmbed(ctx, entry)
	r.sem.Release(1)
	if err != nil {
		r.failures.Add(1)
		slog.Warn("entry unavailable", "id", entry.ID, "photo", entry.PhotoRef, "error", err)
		return nil, err
	}

	now := r.opts.Now()
	if !entry.PublishVector(gen, vec, now) {
		slog.Debug("entry invalidated during resolution, result not cached", "id", entry.ID)
		return vec, nil
	}
	if r.opts.Store != nil {
		r.pendingMu.Lock()
		r.pending[entry.ID] = database.StoredVector{
			EntryID:  entry.ID,
			PhotoRef: entry.PhotoRef,
			Values:   vec,
			Dim:      len(vec),
			CachedAt: now,
		}
		r.pendingMu.Unlock()
	}
	return vec, nil
}

// Flush writes queued vectors to the store in one batch. Vectors that fail to
// save stay queued for the next flush unless a newer one replaced them.
func (r *Resolver) Flush(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	r.pendingMu.Lock()
	if len(r.pending) == 0 {
		r.pendingMu.Unlock()
		return nil
	}
	batch := slices.SortedFunc(maps.Values(r.pending), func(a, b database.StoredVector) int {
		return strings.Compare(a.EntryID, b.EntryID)
	})
	clear(r.pending)
	r.pendingMu.Unlock()

	err := r.opts.Store.SaveVectors(context.WithoutCancel(ctx), batch)
	if err != nil {
		r.pendingMu.Lock()
		for _, v := range batch {
			if _, newer := r.pending[v.EntryID]; !newer {
				r.pending[v.EntryID] = v
			}
		}
		r.pendingMu.Unlock()
		return fmt.Errorf("save %d vectors: %w", len(batch), err)
	}
	return nil
}

func (r *Resolver) fetchAndEmbed(ctx context.Context, entry *catalog.Entry) ([]float32, error) {
	data, err := r.fetchWithRetry(ctx, entry.PhotoRef)
	if err != nil {
		return nil, err
	}

	embedCtx, cancel := context.WithTimeout(ctx, r.opts.EmbedTimeout)
	defer cancel()

	r.embeds.Add(1)
	vec, err := r.embedder.Embed(embedCtx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbeddingUnavailable)
	}
	return vec, nil
}

func (r *Resolver) fetchWithRetry(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	tries := 0
	for attempt := 0; attempt < r.opts.MaxAttempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		tries++
		r.attempts.Add(1)
		data, err := r.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !isTransient(err) || attempt == r.opts.MaxAttempts-1 {
			break
		}

		sleep := backoffSleep(r.opts.BackoffInitial, r.opts.BackoffMax, r.opts.BackoffJitterFrac, attempt)
		slog.Debug("retrying photo fetch", "url", url, "attempt", tries, "sleep", sleep, "error", err)
		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	final := &FetchError{URL: url, Attempts: tries, Retryable: isTransient(lastErr), Err: lastErr}
	var fe *FetchError
	if errors.As(lastErr, &fe) {
		final.Status = fe.Status
		final.Err = fe.Err
	}
	return nil, final
}

// fetchOnce runs one download attempt with its own timeout and checks the payload.
func (r *Resolver) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
	defer cancel()

	data, err := r.fetcher.Fetch(attemptCtx, url)
	if err != nil {
		return nil, err
	}
	if _, err := embedding.ValidateImage(data); err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	return data, nil
}

func backoffSleep(initial, max time.Duration, jitterFrac float64, attempt int) time.Duration {
	sleep := initial
	for i := 0; i < attempt && sleep < max; i++ {
		sleep *= 2
		if sleep > max {
			sleep = max
			break
		}
	}
	if jitterFrac <= 0 {
		return sleep
	}
	// Apply +/- jitterFrac.
	j := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(float64(sleep) * j)
}

// Resolution is the outcome of resolving a candidate set.
type Resolution struct {
	Resolved []*catalog.Entry // in input order
	Failures []Failure
}

// ResolveAll resolves entries in parallel. Per-entry failures are reported in
// the Resolution; the error is only set when ctx ends first. progress, if not
// nil, is called once per entry as it finishes. New vectors are persisted in
// one batch at the end.
func (r *Resolver) ResolveAll(ctx context.Context, entries []*catalog.Entry, progress func(*catalog.Entry, error)) (*Resolution, error) {
	errs := make([]error, len(entries))

	var g errgroup.Group
	for i, entry := range entries {
		g.Go(func() error {
			_, err := r.resolveShared(ctx, entry)
			errs[i] = err
			if progress != nil {
				progress(entry, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := r.Flush(ctx); err != nil {
		slog.Warn("persisting vectors failed", "error", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Resolution{}
	for i, entry := range entries {
		if errs[i] != nil {
			res.Failures = append(res.Failures, Failure{EntryID: entry.ID, Err: errs[i]})
			continue
		}
		res.Resolved = append(res.Resolved, entry)
	}
	return res, nil
}

// Invalidate drops the entry's vector in memory and in the store. A resolution
// already in flight still answers its callers but does not cache its result.
func (r *Resolver) Invalidate(ctx context.Context, entry *catalog.Entry) error {
	r.Discard(entry)
	if r.opts.Store == nil {
		return nil
	}
	if err := r.opts.Store.DeleteVector(ctx, entry.ID); err != nil {
		return fmt.Errorf("delete persisted vector: %w", err)
	}
	return nil
}

// Discard drops the entry's vector in memory only. The stored copy is kept
// until a new resolution overwrites it.
func (r *Resolver) Discard(entry *catalog.Entry) {
	entry.Invalidate()
	r.flight.Forget(entry.ID)
	r.pendingMu.Lock()
	delete(r.pending, entry.ID)
	r.pendingMu.Unlock()
}

// Warm loads persisted vectors into the catalog. Vectors whose photo changed
// or whose TTL passed are ignored. Returns the number of entries filled.
func (r *Resolver) Warm(ctx context.Context, cat *catalog.Catalog) (int, error) {
	if r.opts.Store == nil {
		return 0, nil
	}
	stored, err := r.opts.Store.LoadVectors(ctx)
	if err != nil {
		return 0, fmt.Errorf("load persisted vectors: %w", err)
	}

	now := r.opts.Now()
	loaded := 0
	for _, entry := range cat.Entries() {
		v, ok := stored[entry.ID]
		if !ok || !v.Fresh(entry.PhotoRef, r.opts.TTL, now) {
			continue
		}
		entry.SetVector(v.Values, v.CachedAt)
		loaded++
	}
	slog.Info("vector cache warmed", "loaded", loaded, "stored", len(stored), "entries", cat.Len())
	return loaded, nil
}
