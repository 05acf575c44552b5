// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Ranking constants
const (
	// DefaultTopK is the number of matches returned per match request
	DefaultTopK = 4

	// VerifiedConfidence is the confidence at or above which a match is shown as verified
	VerifiedConfidence = 50

	// DefaultShortlistSize is the candidate count above which the HNSW shortlist kicks in
	DefaultShortlistSize = 512
)

// Prefilter constants
const (
	// DefaultNameThreshold is the minimum name similarity for a catalog entry to survive prefiltering
	DefaultNameThreshold = 0.6
)

// Photo acquisition constants
const (
	// DefaultFetchConcurrency is the maximum number of concurrent photo downloads
	DefaultFetchConcurrency = 5

	// DefaultFetchAttempts is the maximum number of attempts per photo download
	DefaultFetchAttempts = 3

	// DefaultFetchTimeout is the timeout of a single download attempt
	DefaultFetchTimeout = 12 * time.Second

	// DefaultEmbedTimeout is the timeout of a single embedder call
	DefaultEmbedTimeout = 30 * time.Second

	// DefaultBackoffInitial is the sleep before the first retry
	DefaultBackoffInitial = 500 * time.Millisecond

	// DefaultBackoffMax caps exponential backoff
	DefaultBackoffMax = 8 * time.Second

	// DefaultBackoffJitter applies +/- jitter to backoff sleeps (0.2 = +/-20%)
	DefaultBackoffJitter = 0.2

	// MaxPhotoSize is the maximum photo download size in bytes (20MB)
	MaxPhotoSize = 20 << 20

	// MaxImageSize is the maximum dimension (width or height) sent to the embedder
	MaxImageSize = 1920

	// DetectionScoreThreshold is the minimum detector score for a face to be used
	DetectionScoreThreshold = 0.5

	// UserAgent is sent with every outbound photo and profile request
	UserAgent = "Mozilla/5.0 (compatible; profile-match/1.0)"
)

// Enrichment constants
const (
	// DefaultJobBudget is the overall wall-clock budget of one enrichment job
	DefaultJobBudget = 10 * time.Minute

	// DefaultExpectedDuration is reported to clients when a job is triggered
	DefaultExpectedDuration = 2 * time.Minute

	// SummaryChunkMax is the maximum number of characters sent to the summarizer at once
	SummaryChunkMax = 40000

	// SummarizeAttempts is the number of summarizer attempts per chunk
	SummarizeAttempts = 5

	// MaxProfilePageSize is the maximum profile page size in bytes (10MB)
	MaxProfilePageSize = 10 << 20
)

// File upload constants
const (
	// MaxUploadSize is the maximum file upload size in bytes (25MB)
	MaxUploadSize = 25 << 20
)
