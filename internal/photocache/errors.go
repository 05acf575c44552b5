package photocache

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/kozaktomas/profile-match/internal/embedding"
)

var (
	// ErrNotImage marks a photo payload that is not a decodable image. Never retried.
	ErrNotImage = embedding.ErrNotImage

	// ErrEmbeddingUnavailable marks an entry whose photo could not be embedded
	// (no usable face, embedder failure).
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
)

// FetchError is a failed photo download.
type FetchError struct {
	URL       string
	Status    int // HTTP status, 0 for transport errors
	Attempts  int
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	msg := "fetch " + e.URL
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" (after %d attempts)", e.Attempts)
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Failure reports why one entry was excluded from ranking.
type Failure struct {
	EntryID string
	Err     error
}

// isTransient reports whether a fetch attempt may succeed when repeated.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNotImage) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
