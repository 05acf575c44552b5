package postgres

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/profile-match/internal/database"
)

// VectorRepository provides PostgreSQL-backed storage of catalog vectors.
type VectorRepository struct {
	pool *Pool
}

// NewVectorRepository creates a new PostgreSQL vector repository
func NewVectorRepository(pool *Pool) *VectorRepository {
	return &VectorRepository{pool: pool}
}

var _ database.VectorStore = (*VectorRepository)(nil)

// LoadVectors returns every stored vector keyed by entry id.
func (r *VectorRepository) LoadVectors(ctx context.Context) (map[string]database.StoredVector, error) {
	rows, err := r.pool.db.QueryContext(ctx, `
		SELECT entry_id, photo_ref, embedding, dim, cached_at
		FROM catalog_vectors
	`)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	vectors := make(map[string]database.StoredVector)
	for rows.Next() {
		var v database.StoredVector
		var vec pgvector.Vector
		if err := rows.Scan(&v.EntryID, &v.PhotoRef, &vec, &v.Dim, &v.CachedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Values = vec.Slice()
		vectors[v.EntryID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}
	return vectors, nil
}

const upsertVectorSQL = `
	INSERT INTO catalog_vectors (entry_id, photo_ref, embedding, dim, cached_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (entry_id) DO UPDATE SET
		photo_ref = EXCLUDED.photo_ref,
		embedding = EXCLUDED.embedding,
		dim = EXCLUDED.dim,
		cached_at = EXCLUDED.cached_at
`

func upsertArgs(v database.StoredVector) ([]any, error) {
	if len(v.Values) == 0 {
		return nil, fmt.Errorf("refusing to store empty vector for entry %s", v.EntryID)
	}
	dim := v.Dim
	if dim == 0 {
		dim = len(v.Values)
	}
	return []any{v.EntryID, v.PhotoRef, pgvector.NewVector(v.Values), dim, v.CachedAt}, nil
}

// SaveVector upserts the vector of one entry.
func (r *VectorRepository) SaveVector(ctx context.Context, v database.StoredVector) error {
	args, err := upsertArgs(v)
	if err != nil {
		return err
	}
	if _, err := r.pool.db.ExecContext(ctx, upsertVectorSQL, args...); err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

// SaveVectors upserts a batch in one transaction.
func (r *VectorRepository) SaveVectors(ctx context.Context, vs []database.StoredVector) error {
	if len(vs) == 0 {
		return nil
	}
	tx, err := r.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertVectorSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, v := range vs {
		args, err := upsertArgs(v)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert vector %s: %w", v.EntryID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vectors: %w", err)
	}
	return nil
}

// DeleteVector removes the vector of one entry.
func (r *VectorRepository) DeleteVector(ctx context.Context, entryID string) error {
	if _, err := r.pool.db.ExecContext(ctx, "DELETE FROM catalog_vectors WHERE entry_id = $1", entryID); err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

// Count returns the number of stored vectors.
func (r *VectorRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM catalog_vectors").Scan(&count); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return count, nil
}

// Close closes the underlying pool.
func (r *VectorRepository) Close() error {
	return r.pool.Close()
}
