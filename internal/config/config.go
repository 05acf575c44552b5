package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/profile-match/internal/constants"
)

type Config struct {
	Catalog    CatalogConfig
	Embedding  EmbeddingConfig
	Fetch      FetchConfig
	Prefilter  PrefilterConfig
	Ranking    RankingConfig
	Enrichment EnrichmentConfig
	Database   DatabaseConfig
	Web        WebConfig
}

type CatalogConfig struct {
	Source string // file path (.json, .yaml) or postgres:// / mysql:// DSN
	Table  string // table name for SQL sources (default "profiles")
}

type EmbeddingConfig struct {
	URL     string        // defaults to http://localhost:8000
	Timeout time.Duration // per embedder call
}

type FetchConfig struct {
	Concurrency    int
	MaxAttempts    int
	Timeout        time.Duration // per attempt
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	JitterFrac     float64
	RateLimitRPS   float64       // <= 0 disables the limiter
	CacheDir       string        // on-disk vector cache directory (optional)
	VectorTTL      time.Duration // 0 keeps vectors for the process lifetime
}

type PrefilterConfig struct {
	Threshold float64
}

type RankingConfig struct {
	TopK          int
	Scale         string // "linear" or "clamped"
	HNSW          bool   // enable the ANN shortlist for large candidate sets
	ShortlistSize int
}

type EnrichmentConfig struct {
	Provider         string // "gemini" or "openai"
	GeminiAPIKey     string
	OpenAIToken      string
	Model            string // provider specific override
	Budget           time.Duration
	ExpectedDuration time.Duration
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL for the vector store (optional)
	MaxOpenConns int    // Maximum open connections (default 10)
	MaxIdleConns int    // Maximum idle connections (default 2)
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string // CORS origins besides localhost, "*" allows any
	APIKey         string   // required as Bearer token or X-API-Key when set
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a non-negative float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable as a Go duration ("30s", "5m").
// Zero is accepted so TTL-like settings can be disabled explicitly.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList reads a comma-separated environment variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func Load() *Config {
	return &Config{
		Catalog: CatalogConfig{
			Source: os.Getenv("CATALOG_SOURCE"),
			Table:  envString("CATALOG_TABLE", "profiles"),
		},
		Embedding: EmbeddingConfig{
			URL:     os.Getenv("EMBEDDING_URL"),
			Timeout: envDuration("EMBEDDING_TIMEOUT", constants.DefaultEmbedTimeout),
		},
		Fetch: FetchConfig{
			Concurrency:    envInt("FETCH_CONCURRENCY", constants.DefaultFetchConcurrency),
			MaxAttempts:    envInt("FETCH_MAX_ATTEMPTS", constants.DefaultFetchAttempts),
			Timeout:        envDuration("FETCH_TIMEOUT", constants.DefaultFetchTimeout),
			BackoffInitial: envDuration("FETCH_BACKOFF_INITIAL", constants.DefaultBackoffInitial),
			BackoffMax:     envDuration("FETCH_BACKOFF_MAX", constants.DefaultBackoffMax),
			JitterFrac:     envFloat("FETCH_BACKOFF_JITTER", constants.DefaultBackoffJitter),
			RateLimitRPS:   envFloat("FETCH_RATE_LIMIT", 0),
			CacheDir:       os.Getenv("VECTOR_CACHE_DIR"),
			VectorTTL:      envDuration("VECTOR_TTL", 0),
		},
		Prefilter: PrefilterConfig{
			Threshold: envFloat("PREFILTER_THRESHOLD", constants.DefaultNameThreshold),
		},
		Ranking: RankingConfig{
			TopK:          envInt("RANKING_TOP_K", constants.DefaultTopK),
			Scale:         envString("RANKING_SCALE", "linear"),
			HNSW:          envBool("RANKING_HNSW"),
			ShortlistSize: envInt("RANKING_SHORTLIST", constants.DefaultShortlistSize),
		},
		Enrichment: EnrichmentConfig{
			Provider:         envString("ENRICH_PROVIDER", "gemini"),
			GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
			OpenAIToken:      os.Getenv("OPENAI_TOKEN"),
			Model:            os.Getenv("ENRICH_MODEL"),
			Budget:           envDuration("ENRICH_BUDGET", constants.DefaultJobBudget),
			ExpectedDuration: envDuration("ENRICH_EXPECTED_DURATION", constants.DefaultExpectedDuration),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 2),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
			APIKey:         os.Getenv("WEB_API_KEY"),
		},
	}
}

// Validate checks the settings the match pipeline cannot run without.
func (c *Config) Validate() error {
	if c.Catalog.Source == "" {
		return errors.New("CATALOG_SOURCE environment variable is required")
	}
	if c.Prefilter.Threshold > 1 {
		return errors.New("PREFILTER_THRESHOLD must be within [0, 1]")
	}
	return nil
}
