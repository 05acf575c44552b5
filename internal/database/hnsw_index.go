package database

import (
	"errors"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWIndex is an approximate nearest neighbour index over catalog vectors,
// keyed by catalog insertion index.
type HNSWIndex struct {
	graph *hnsw.Graph[int]
	dim   int
	count int
	mu    sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{}
}

func newGraph() *hnsw.Graph[int] {
	g := hnsw.NewGraph[int]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// Build replaces the index contents. keys and vectors are parallel slices;
// vectors with a dimension different from the first one are skipped.
func (h *HNSWIndex) Build(keys []int, vectors [][]float32) error {
	if len(keys) != len(vectors) {
		return errors.New("keys and vectors length mismatch")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.graph = nil
	h.count = 0
	h.dim = 0
	if len(keys) == 0 {
		return nil
	}

	g := newGraph()
	for i, key := range keys {
		vec := vectors[i]
		if len(vec) == 0 {
			continue
		}
		if h.dim == 0 {
			h.dim = len(vec)
		}
		if len(vec) != h.dim {
			continue
		}
		g.Add(hnsw.MakeNode(key, vec))
		h.count++
	}

	if h.count > 0 {
		h.graph = g
	}
	return nil
}

// Search finds the k nearest neighbours to the query embedding.
// Returns keys and their cosine distances.
func (h *HNSWIndex) Search(query []float32, k int) ([]int, []float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		return nil, nil, errors.New("index not initialized")
	}
	if len(query) != h.dim {
		return nil, nil, errors.New("query dimension does not match index")
	}

	neighbors := h.graph.Search(query, k)
	keys := make([]int, len(neighbors))
	distances := make([]float64, len(neighbors))
	for i, n := range neighbors {
		keys[i] = n.Key
		distances[i] = CosineDistance(query, n.Value)
	}
	return keys, distances, nil
}

// Count returns the number of indexed vectors.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// IsEmpty returns true if the index has no graph data loaded.
func (h *HNSWIndex) IsEmpty() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph == nil
}
