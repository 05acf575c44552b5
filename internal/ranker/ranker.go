// Package ranker orders resolved catalog entries by face similarity to a query vector.
package ranker

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"runtime"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/profile-match/internal/catalog"
	"github.com/kozaktomas/profile-match/internal/constants"
	"github.com/kozaktomas/profile-match/internal/database"
)

// ErrNoCandidates means there was nothing to compare against, as opposed to
// candidates that were compared and scored low.
var ErrNoCandidates = errors.New("no candidates available")

// Match is one ranked candidate.
type Match struct {
	Entry      *catalog.Entry
	Similarity float64 // cosine similarity
	Confidence int     // 0-100
}

// Status buckets a confidence for display: "verified" or "pending".
func Status(confidence int) string {
	if confidence >= constants.VerifiedConfidence {
		return "verified"
	}
	return "pending"
}

// Result is the outcome of ranking a candidate set.
type Result struct {
	Matches    []Match
	Candidates int // number of candidates actually scored
}

type Options struct {
	TopK  int
	Scale Scale
	// ShortlistSize > 0 enables the ANN shortlist once an index has been built
	// and the candidate set is larger than this.
	ShortlistSize int
}

// Ranker scores candidates against a query vector.
type Ranker struct {
	topK      int
	scale     Scale
	shortlist int
	index     atomic.Pointer[database.HNSWIndex]
}

// New creates a ranker.
func New(opts Options) *Ranker {
	if opts.TopK <= 0 {
		opts.TopK = constants.DefaultTopK
	}
	return &Ranker{
		topK:      opts.TopK,
		scale:     opts.Scale,
		shortlist: opts.ShortlistSize,
	}
}

// Scale returns the confidence scale in use.
func (r *Ranker) Scale() Scale { return r.scale }

// BuildIndex indexes the resolved entries for the ANN shortlist.
// It is a no-op when the shortlist is disabled.
func (r *Ranker) BuildIndex(entries []*catalog.Entry) error {
	if r.shortlist <= 0 {
		return nil
	}
	keys := make([]int, 0, len(entries))
	vectors := make([][]float32, 0, len(entries))
	for _, e := range entries {
		if v := e.Vector(); v != nil {
			keys = append(keys, e.Index)
			vectors = append(vectors, v.Values)
		}
	}

	index := database.NewHNSWIndex()
	if err := index.Build(keys, vectors); err != nil {
		return err
	}
	r.index.Store(index)
	slog.Info("ANN shortlist index built", "vectors", index.Count())
	return nil
}

// Rank scores candidates against query and returns the top K by confidence,
// ties broken by catalog insertion index. Candidates without a vector are
// ignored. ErrNoCandidates is returned when nothing could be scored.
func (r *Ranker) Rank(ctx context.Context, query []float32, candidates []*catalog.Entry) (*Result, error) {
	candidates = r.applyShortlist(query, candidates)

	scored, err := r.score(ctx, query, candidates)
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return &Result{}, ErrNoCandidates
	}

	slices.SortFunc(scored, func(a, b Match) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.Entry.Index, b.Entry.Index)
	})

	n := len(scored)
	top := scored[:min(r.topK, len(scored))]
	return &Result{Matches: slices.Clone(top), Candidates: n}, nil
}

// score computes every candidate's confidence in parallel chunks.
func (r *Ranker) score(ctx context.Context, query []float32, candidates []*catalog.Entry) ([]Match, error) {
	if len(query) == 0 || len(candidates) == 0 {
		return nil, nil
	}

	matches := make([]Match, len(candidates))
	ok := make([]bool, len(candidates))

	workers := min(runtime.GOMAXPROCS(0), len(candidates))
	chunk := (len(candidates) + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(candidates); start += chunk {
		end := min(start+chunk, len(candidates))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				e := candidates[i]
				v := e.Vector()
				if v == nil || len(v.Values) != len(query) {
					continue
				}
				sim := database.CosineSimilarity(query, v.Values)
				matches[i] = Match{Entry: e, Similarity: sim, Confidence: r.scale.Confidence(sim)}
				ok[i] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scored := make([]Match, 0, len(candidates))
	for i := range matches {
		if ok[i] {
			scored = append(scored, matches[i])
		}
	}
	return scored, nil
}

// applyShortlist narrows large candidate sets to their approximate nearest
// neighbours. Falls back to the full set when the index cannot help.
func (r *Ranker) applyShortlist(query []float32, candidates []*catalog.Entry) []*catalog.Entry {
	index := r.index.Load()
	if r.shortlist <= 0 || index == nil || len(candidates) <= r.shortlist {
		return candidates
	}

	keys, _, err := index.Search(query, r.shortlist*database.HNSWSearchMultiplier)
	if err != nil {
		slog.Debug("ANN shortlist unavailable", "error", err)
		return candidates
	}
	hits := make(map[int]bool, len(keys))
	for _, k := range keys {
		hits[k] = true
	}

	var short []*catalog.Entry
	for _, e := range candidates {
		if hits[e.Index] {
			short = append(short, e)
		}
	}
	if len(short) < r.topK {
		return candidates
	}
	return short
}
