package database

import (
	"context"
)

// VectorStore persists resolved catalog vectors so restarts do not refetch every photo.
type VectorStore interface {
	// LoadVectors returns all stored vectors keyed by catalog entry id
	LoadVectors(ctx context.Context) (map[string]StoredVector, error)
	// SaveVector stores (or replaces) the vector of one entry
	SaveVector(ctx context.Context, v StoredVector) error
	// SaveVectors stores a batch in one write
	SaveVectors(ctx context.Context, vs []StoredVector) error
	// DeleteVector removes the vector of one entry, missing ids are not an error
	DeleteVector(ctx context.Context, entryID string) error
	// Close releases the store's resources
	Close() error
}
