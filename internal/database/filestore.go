package database

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	vectorFileName = "vectors.gob"
	lockRetryDelay = 100 * time.Millisecond
)

// FileStore keeps catalog vectors in a gob file under a cache directory.
// Every write re-reads the file under an exclusive lock and merges, so
// several processes (a running server and a `warm` run) can share one directory.
// A write rewrites the whole file; callers with many vectors use SaveVectors.
type FileStore struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

// NewFileStore creates the cache directory if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("vector cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vector cache directory: %w", err)
	}
	path := filepath.Join(dir, vectorFileName)
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Path returns the location of the vector file.
func (s *FileStore) Path() string {
	return s.path
}

// LoadVectors reads all vectors under a shared lock. A missing file yields an empty map.
func (s *FileStore) LoadVectors(ctx context.Context) (map[string]StoredVector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock vector cache: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("vector cache is locked: %s", s.path)
	}
	defer func() { _ = s.lock.Unlock() }()

	return s.read()
}

// SaveVector merges one vector into the file.
func (s *FileStore) SaveVector(ctx context.Context, v StoredVector) error {
	return s.SaveVectors(ctx, []StoredVector{v})
}

// SaveVectors merges a batch into the file with a single rewrite.
func (s *FileStore) SaveVectors(ctx context.Context, vs []StoredVector) error {
	if len(vs) == 0 {
		return nil
	}
	return s.update(ctx, func(vectors map[string]StoredVector) {
		for _, v := range vs {
			vectors[v.EntryID] = v
		}
	})
}

// DeleteVector removes one vector from the file.
func (s *FileStore) DeleteVector(ctx context.Context, entryID string) error {
	return s.update(ctx, func(vectors map[string]StoredVector) {
		delete(vectors, entryID)
	})
}

// Close is a no-op; locks are only held for the duration of a call.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) update(ctx context.Context, mutate func(map[string]StoredVector)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock vector cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("vector cache is locked: %s", s.path)
	}
	defer func() { _ = s.lock.Unlock() }()

	vectors, err := s.read()
	if err != nil {
		return err
	}
	mutate(vectors)
	return s.write(vectors)
}

func (s *FileStore) read() (map[string]StoredVector, error) {
	data, err := os.ReadFile(s.path) //nolint:gosec // path is from trusted config
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]StoredVector), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vector cache: %w", err)
	}

	var file vectorFile
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode vector cache: %w", err)
	}
	if file.Version != vectorFileVersion || file.Vectors == nil {
		// Unknown layout, start over.
		return make(map[string]StoredVector), nil
	}
	return file.Vectors, nil
}

// write replaces the file atomically via a temp file and rename.
func (s *FileStore) write(vectors map[string]StoredVector) error {
	var buf bytes.Buffer
	file := vectorFile{Version: vectorFileVersion, SavedAt: time.Now(), Vectors: vectors}
	if err := gob.NewEncoder(&buf).Encode(file); err != nil {
		return fmt.Errorf("encode vector cache: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write vector cache: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace vector cache: %w", err)
	}
	return nil
}
