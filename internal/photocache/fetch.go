package photocache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/kozaktomas/profile-match/internal/constants"
)

// Fetcher downloads a photo.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Embedder turns an image into a face vector.
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
}

// HTTPFetcher downloads photos over HTTP(S).
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxSize   int64
}

// NewHTTPFetcher creates a fetcher. Timeouts come from the caller's context.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		client:    &http.Client{},
		userAgent: constants.UserAgent,
		maxSize:   constants.MaxPhotoSize,
	}
}

// Fetch downloads url. Every non-2xx status is a retryable FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err, Retryable: !errors.Is(err, context.Canceled)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{URL: url, Status: resp.StatusCode, Retryable: true}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("read body: %w", err), Retryable: true}
	}
	if int64(len(data)) > f.maxSize {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("photo exceeds %d bytes", f.maxSize)}
	}
	return data, nil
}
