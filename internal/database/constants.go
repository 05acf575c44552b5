package database

// HNSW index parameters for 512-dim face embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// so that exact rescoring still sees enough neighbours.
	HNSWSearchMultiplier = 3
)

// vectorFileVersion is bumped whenever the on-disk vector cache layout changes.
const vectorFileVersion = 1
