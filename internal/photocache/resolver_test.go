package photocache

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/profile-match/internal/catalog"
	"github.com/kozaktomas/profile-match/internal/database"
	"github.com/kozaktomas/profile-match/internal/embedding"
)

func testPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := range 8 {
		for y := range 8 {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

type stubFetcher struct {
	calls atomic.Int64
	fn    func(call int64, url string) ([]byte, error)
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	n := f.calls.Add(1)
	return f.fn(n, url)
}

type stubEmbedder struct {
	calls atomic.Int64
	err   error
}

func (e *stubEmbedder) Embed(ctx context.Context, image []byte) ([]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return []float32{0.6, 0.8}, nil
}

func okFetcher() *stubFetcher {
	data := testPNG()
	return &stubFetcher{fn: func(int64, string) ([]byte, error) { return data, nil }}
}

func fastOptions() Options {
	return Options{
		Concurrency:    4,
		MaxAttempts:    3,
		AttemptTimeout: time.Second,
		EmbedTimeout:   time.Second,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}
}

func testCatalog(t *testing.T, n int) *catalog.Catalog {
	t.Helper()
	records := make([]catalog.Record, n)
	for i := range records {
		id := string(rune('a' + i))
		records[i] = catalog.Record{ID: id, DisplayName: "Person " + id, PhotoRef: "https://photos.example.com/" + id + ".png"}
	}
	cat, _, err := catalog.New("test", records)
	if err != nil {
		t.Fatalf("catalog.New failed: %v", err)
	}
	return cat
}

func TestResolve_Idempotent(t *testing.T) {
	fetcher := okFetcher()
	embedder := &stubEmbedder{}
	r := NewResolver(fetcher, embedder, fastOptions())
	entry := testCatalog(t, 1).Entries()[0]

	for range 2 {
		vec, err := r.Resolve(context.Background(), entry)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if len(vec) != 2 {
			t.Fatalf("unexpected vector %v", vec)
		}
	}

	if fetcher.calls.Load() != 1 {
		t.Errorf("expected 1 fetch, got %d", fetcher.calls.Load())
	}
	if embedder.calls.Load() != 1 {
		t.Errorf("expected 1 embed, got %d", embedder.calls.Load())
	}
	if stats := r.Stats(); stats.Hits != 1 || stats.Resolutions != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if entry.Vector() == nil {
		t.Error("expected vector to be published on the entry")
	}
}

func TestResolve_ConcurrentCallersCoalesce(t *testing.T) {
	data := testPNG()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fetcher := &stubFetcher{fn: func(int64, string) ([]byte, error) {
		once.Do(func() { close(started) })
		<-release
		return data, nil
	}}
	embedder := &stubEmbedder{}
	r := NewResolver(fetcher, embedder, fastOptions())
	entry := testCatalog(t, 1).Entries()[0]

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), entry)
			errs <- err
		}()
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Resolve failed: %v", err)
		}
	}
	if fetcher.calls.Load() != 1 {
		t.Errorf("expected exactly 1 fetch for %d callers, got %d", callers, fetcher.calls.Load())
	}
	if embedder.calls.Load() != 1 {
		t.Errorf("expected exactly 1 embed, got %d", embedder.calls.Load())
	}
}

func TestResolve_CallerCancelDoesNotAbortFlight(t *testing.T) {
	data := testPNG()
	release := make(chan struct{})
	fetcher := &stubFetcher{fn: func(int64, string) ([]byte, error) {
		<-release
		return data, nil
	}}
	r := NewResolver(fetcher, &stubEmbedder{}, fastOptions())
	entry := testCatalog(t, 1).Entries()[0]

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, entry)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for entry.Vector() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if entry.Vector() == nil {
		t.Fatal("expected in-flight resolution to complete after the caller left")
	}
	if fetcher.calls.Load() != 1 {
		t.Errorf("expected 1 fetch, got %d", fetcher.calls.Load())
	}
}

func TestResolve_RetriesTransientFailures(t *testing.T) {
	data := testPNG()
	fetcher := &stubFetcher{fn: func(call int64, url string) ([]byte, error) {
		if call < 3 {
			return nil, &FetchError{URL: url, Status: http.StatusServiceUnavailable, Retryable: true}
		}
		return data, nil
	}}
	r := NewResolver(fetcher, &stubEmbedder{}, fastOptions())
	entry := testCatalog(t, 1).Entries()[0]

	if _, err := r.Resolve(context.Background(), entry); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if fetcher.calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", fetcher.calls.Load())
	}
}

func TestResolve_ExhaustedRetries(t *testing.T) {
	fetcher := &stubFetcher{fn: func(_ int64, url string) ([]byte, error) {
		return nil, &FetchError{URL: url, Status: http.StatusBadGateway, Retryable: true}
	}}
	embedder := &stubEmbedder{}
	r := NewResolver(fetcher, embedder, fastOptions())
	entry := testCatalog(t, 1).Entries()[0]

	_, err := r.Resolve(context.Background(), entry)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Attempts != 3 || fe.Status != http.StatusBadGateway {
		t.Errorf("unexpected FetchError %+v", fe)
	}
	if fetcher.calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", fetcher.calls.Load())
	}
	if embedder.calls.Load() != 0 {
		t.Error("embedder must not be called when the fetch failed")
	}
	if entry.Vector() != nil {
		t.Error("failed entry must not get a vector")
	}
}

func TestResolve_NonImageIsTerminal(t *testing.T) {
	fetcher := &stubFetcher{fn: func(int64, string) ([]byte, error) {
		return []byte("<html><body>login required</body></html>"), nil
	}}
	r := NewResolver(fetcher, &stubEmbedder{}, fastOptions())
	entry := testCatalog(t, 1).Entries()[0]

	_, err := r.Resolve(context.Background(), entry)
	if !errors.Is(err, ErrNotImage) {
		t.Fatalf("expected ErrNotImage, got %v", err)
	}
	if fetcher.calls.Load() != 1 {
		t.Errorf("non-image payload must not be retried, got %d attempts", fetcher.calls.Load())
	}
}

func TestResolve_EmbeddingUnavailable(t *testing.T) {
	r := NewResolver(okFetcher(), &stubEmbedder{err: embedding.ErrNoFace}, fastOptions())
	entry := testCatalog(t, 1).Entries()[0]

	_, err := r.Resolve(context.Background(), entry)
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if !errors.Is(err, embedding.ErrNoFace) {
		t.Errorf("expected underlying ErrNoFace to be kept, got %v", err)
	}
}

func TestResolve_TTL(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	opts := fastOptions()
	opts.TTL = time.Hour
	opts.Now = func() time.Time { return now }

	fetcher := okFetcher()
	r := NewResolver(fetcher, &stubEmbedder{}, opts)
	entry := testCatalog(t, 1).Entries()[0]

	r.Resolve(context.Background(), entry)
	now = now.Add(30 * time.Minute)
	r.Resolve(context.Background(), entry)
	if fetcher.calls.Load() != 1 {
		t.Fatalf("expected cached vector within TTL, got %d fetches", fetcher.calls.Load())
	}

	now = now.Add(time.Hour)
	r.Resolve(context.Background(), entry)
	if fetcher.calls.Load() != 2 {
		t.Errorf("expected refetch after TTL, got %d fetches", fetcher.calls.Load())
	}
}

func TestResolveAll_ReportsFailuresInOrder(t *testing.T) {
	data := testPNG()
	fetcher := &stubFetcher{fn: func(_ int64, url string) ([]byte, error) {
		if url == "https://photos.example.com/b.png" {
			return nil, &FetchError{URL: url, Status: http.StatusNotFound, Retryable: true}
		}
		return data, nil
	}}
	r := NewResolver(fetcher, &stubEmbedder{}, fastOptions())
	cat := testCatalog(t, 4)

	var progressed atomic.Int64
	res, err := r.ResolveAll(context.Background(), cat.Entries(), func(*catalog.Entry, error) {
		progressed.Add(1)
	})
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}

	var ids []string
	for _, e := range res.Resolved {
		ids = append(ids, e.ID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "c" || ids[2] != "d" {
		t.Errorf("expected resolved [a c d] in catalog order, got %v", ids)
	}
	if len(res.Failures) != 1 || res.Failures[0].EntryID != "b" {
		t.Errorf("expected failure for b, got %+v", res.Failures)
	}
	if progressed.Load() != 4 {
		t.Errorf("expected 4 progress callbacks, got %d", progressed.Load())
	}
}

func TestResolveAll_AllFail(t *testing.T) {
	fetcher := &stubFetcher{fn: func(_ int64, url string) ([]byte, error) {
		return nil, &FetchError{URL: url, Err: errors.New("connection refused"), Retryable: true}
	}}
	r := NewResolver(fetcher, &stubEmbedder{}, fastOptions())

	res, err := r.ResolveAll(context.Background(), testCatalog(t, 3).Entries(), nil)
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}
	if len(res.Resolved) != 0 || len(res.Failures) != 3 {
		t.Errorf("expected 0 resolved and 3 failures, got %d and %d", len(res.Resolved), len(res.Failures))
	}
}

func TestResolver_InvalidateAndWarm(t *testing.T) {
	ctx := context.Background()
	store, err := database.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	opts := fastOptions()
	opts.Store = store

	fetcher := okFetcher()
	r := NewResolver(fetcher, &stubEmbedder{}, opts)
	cat := testCatalog(t, 2)
	if _, err := r.ResolveAll(ctx, cat.Entries(), nil); err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}

	// A fresh catalog and resolver pick the vectors up from the store.
	restarted := testCatalog(t, 2)
	r2 := NewResolver(fetcher, &stubEmbedder{}, opts)
	loaded, err := r2.Warm(ctx, restarted)
	if err != nil {
		t.Fatalf("Warm failed: %v", err)
	}
	if loaded != 2 || restarted.Resolved() != 2 {
		t.Errorf("expected 2 warmed entries, got %d (resolved %d)", loaded, restarted.Resolved())
	}

	entry, _ := restarted.Get("a")
	if err := r2.Invalidate(ctx, entry); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if entry.Vector() != nil {
		t.Error("expected vector to be cleared")
	}
	before := fetcher.calls.Load()
	if _, err := r2.Resolve(ctx, entry); err != nil {
		t.Fatalf("Resolve after invalidate failed: %v", err)
	}
	if fetcher.calls.Load() != before+1 {
		t.Error("expected a new fetch after invalidation")
	}

	stored, _ := store.LoadVectors(ctx)
	if len(stored) != 2 {
		t.Errorf("expected re-resolved vector to be persisted again, got %d", len(stored))
	}
}

func TestHTTPFetcher(t *testing.T) {
	data := testPNG()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected User-Agent header")
		}
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(data)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	f := NewHTTPFetcher()
	got, err := f.Fetch(context.Background(), server.URL+"/ok.png")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("unexpected body")
	}

	_, err = f.Fetch(context.Background(), server.URL+"/missing.png")
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Status != http.StatusNotFound || !fe.Retryable {
		t.Errorf("expected retryable 404, got %+v", fe)
	}
}

func TestBackoffSleep(t *testing.T) {
	if got := backoffSleep(100*time.Millisecond, time.Second, 0, 0); got != 100*time.Millisecond {
		t.Errorf("attempt 0: got %v", got)
	}
	if got := backoffSleep(100*time.Millisecond, time.Second, 0, 2); got != 400*time.Millisecond {
		t.Errorf("attempt 2: got %v", got)
	}
	if got := backoffSleep(100*time.Millisecond, time.Second, 0, 10); got != time.Second {
		t.Errorf("attempt 10 should be capped: got %v", got)
	}
	for range 20 {
		got := backoffSleep(100*time.Millisecond, time.Second, 0.2, 0)
		if got < 80*time.Millisecond || got > 120*time.Millisecond {
			t.Fatalf("jittered sleep out of bounds: %v", got)
		}
	}
}

func TestResolveAll_RespectsConcurrency(t *testing.T) {
	data := testPNG()
	var inFlight, peak atomic.Int64
	fetcher := &stubFetcher{fn: func(int64, string) ([]byte, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return data, nil
	}}
	opts := fastOptions()
	opts.Concurrency = 3
	r := NewResolver(fetcher, &stubEmbedder{}, opts)
	cat := testCatalog(t, 20)

	res, err := r.ResolveAll(context.Background(), cat.Entries(), nil)
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}
	if len(res.Resolved) != 20 {
		t.Fatalf("expected 20 resolved, got %d", len(res.Resolved))
	}
	if got := peak.Load(); got > 3 {
		t.Errorf("expected at most 3 concurrent fetches, saw %d", got)
	}
	if fetcher.calls.Load() != 20 {
		t.Errorf("expected 20 fetches, got %d", fetcher.calls.Load())
	}
}

// recordingStore counts batch writes.
type recordingStore struct {
	mu      sync.Mutex
	batches [][]database.StoredVector
	singles int
	saved   map[string]database.StoredVector
	onSave  func()
}

func (s *recordingStore) LoadVectors(context.Context) (map[string]database.StoredVector, error) {
	return map[string]database.StoredVector{}, nil
}

func (s *recordingStore) SaveVector(_ context.Context, v database.StoredVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singles++
	return nil
}

func (s *recordingStore) SaveVectors(_ context.Context, vs []database.StoredVector) error {
	if s.onSave != nil {
		s.onSave()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, vs)
	if s.saved == nil {
		s.saved = make(map[string]database.StoredVector)
	}
	for _, v := range vs {
		s.saved[v.EntryID] = v
	}
	return nil
}

func (s *recordingStore) DeleteVector(context.Context, string) error { return nil }

func (s *recordingStore) Close() error { return nil }

func TestResolveAll_PersistsOneBatch(t *testing.T) {
	store := &recordingStore{}
	opts := fastOptions()
	opts.Store = store
	r := NewResolver(okFetcher(), &stubEmbedder{}, opts)
	cat := testCatalog(t, 12)

	if _, err := r.ResolveAll(context.Background(), cat.Entries(), nil); err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}

	if len(store.batches) != 1 || len(store.batches[0]) != 12 {
		t.Fatalf("expected one batch of 12 vectors, got %d batches", len(store.batches))
	}
	if store.singles != 0 {
		t.Errorf("expected no single-vector writes, got %d", store.singles)
	}
	if store.batches[0][0].EntryID != "a" || store.batches[0][11].EntryID != "l" {
		t.Errorf("expected batch ordered by entry id")
	}
}

func TestResolve_ReleasesSlotBeforePersisting(t *testing.T) {
	store := &recordingStore{}
	opts := fastOptions()
	opts.Concurrency = 1
	opts.Store = store
	r := NewResolver(okFetcher(), &stubEmbedder{}, opts)
	entries := testCatalog(t, 2).Entries()

	var slotFree atomic.Bool
	store.onSave = func() {
		if r.sem.TryAcquire(1) {
			slotFree.Store(true)
			r.sem.Release(1)
		}
	}

	if _, err := r.Resolve(context.Background(), entries[0]); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !slotFree.Load() {
		t.Fatal("expected the fetch slot to be released while the vector was persisted")
	}

	if _, err := r.Resolve(context.Background(), entries[1]); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(store.saved) != 2 {
		t.Errorf("expected both vectors persisted, got %d", len(store.saved))
	}
}

func TestResolve_InvalidateDuringFlightIsNotCached(t *testing.T) {
	data := testPNG()
	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := &stubFetcher{fn: func(call int64, _ string) ([]byte, error) {
		if call == 1 {
			close(started)
			<-release
		}
		return data, nil
	}}
	store := &recordingStore{}
	opts := fastOptions()
	opts.Store = store
	r := NewResolver(fetcher, &stubEmbedder{}, opts)
	entry := testCatalog(t, 1).Entries()[0]

	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), entry)
		done <- err
	}()

	<-started
	if err := r.Invalidate(context.Background(), entry); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if entry.Vector() != nil {
		t.Error("expected stale resolution not to repopulate the entry")
	}
	if len(store.saved) != 0 {
		t.Errorf("expected stale resolution not to be persisted, got %d", len(store.saved))
	}

	if _, err := r.Resolve(context.Background(), entry); err != nil {
		t.Fatalf("Resolve after invalidate failed: %v", err)
	}
	if entry.Vector() == nil || fetcher.calls.Load() != 2 {
		t.Errorf("expected a fresh resolution, fetches=%d", fetcher.calls.Load())
	}
}
