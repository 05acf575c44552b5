package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/profile-match/internal/ai"
	"github.com/kozaktomas/profile-match/internal/catalog"
	"github.com/kozaktomas/profile-match/internal/config"
	"github.com/kozaktomas/profile-match/internal/database"
	"github.com/kozaktomas/profile-match/internal/database/postgres"
	"github.com/kozaktomas/profile-match/internal/embedding"
	"github.com/kozaktomas/profile-match/internal/enrich"
	"github.com/kozaktomas/profile-match/internal/matcher"
	"github.com/kozaktomas/profile-match/internal/photocache"
	"github.com/kozaktomas/profile-match/internal/prefilter"
	"github.com/kozaktomas/profile-match/internal/ranker"
)

// pipeline holds the components shared by serve, match and warm.
type pipeline struct {
	catalog  *catalog.Catalog
	embedder *embedding.Client
	resolver *photocache.Resolver
	matcher  *matcher.Matcher
	store    database.VectorStore
}

func (p *pipeline) Close() {
	if p.resolver != nil {
		if err := p.resolver.Flush(context.Background()); err != nil {
			fmt.Printf("Warning: %v\n", err)
		}
	}
	if p.store != nil {
		p.store.Close()
	}
}

// openVectorStore returns the Postgres store when DATABASE_URL is set, the
// file store when VECTOR_CACHE_DIR is set, and nil otherwise.
func openVectorStore(ctx context.Context, cfg *config.Config) (database.VectorStore, error) {
	switch {
	case cfg.Database.URL != "":
		fmt.Println("Connecting to PostgreSQL vector store...")
		pool, err := postgres.Open(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		return postgres.NewVectorRepository(pool), nil
	case cfg.Fetch.CacheDir != "":
		store, err := database.NewFileStore(cfg.Fetch.CacheDir)
		if err != nil {
			return nil, err
		}
		fmt.Printf("Using vector cache file %s\n", store.Path())
		return store, nil
	}
	return nil, nil
}

// buildPipeline loads the catalog, warms persisted vectors and wires the matcher.
func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scale, err := ranker.ParseScale(cfg.Ranking.Scale)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Load(ctx, cfg.Catalog.Source, catalog.Options{Table: cfg.Catalog.Table})
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	fmt.Printf("Loaded %d catalog entries\n", cat.Len())

	store, err := openVectorStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	embedder := embedding.NewClient(cfg.Embedding.URL, cfg.Embedding.Timeout)
	resolver := photocache.NewResolver(photocache.NewHTTPFetcher(), embedder, photocache.Options{
		Concurrency:       cfg.Fetch.Concurrency,
		MaxAttempts:       cfg.Fetch.MaxAttempts,
		AttemptTimeout:    cfg.Fetch.Timeout,
		EmbedTimeout:      cfg.Embedding.Timeout,
		BackoffInitial:    cfg.Fetch.BackoffInitial,
		BackoffMax:        cfg.Fetch.BackoffMax,
		BackoffJitterFrac: cfg.Fetch.JitterFrac,
		RateLimitRPS:      cfg.Fetch.RateLimitRPS,
		TTL:               cfg.Fetch.VectorTTL,
		Store:             store,
	})

	p := &pipeline{catalog: cat, embedder: embedder, resolver: resolver, store: store}
	if n, err := resolver.Warm(ctx, cat); err != nil {
		fmt.Printf("Warning: failed to load cached vectors: %v\n", err)
	} else if n > 0 {
		fmt.Printf("Loaded %d cached vectors\n", n)
	}

	shortlist := 0
	if cfg.Ranking.HNSW {
		shortlist = cfg.Ranking.ShortlistSize
	}
	rk := ranker.New(ranker.Options{TopK: cfg.Ranking.TopK, Scale: scale, ShortlistSize: shortlist})
	if err := rk.BuildIndex(cat.Entries()); err != nil {
		fmt.Printf("Warning: failed to build HNSW index: %v\n", err)
	}

	p.matcher = matcher.New(cat, embedder, resolver, prefilter.New(cfg.Prefilter.Threshold), rk)
	return p, nil
}

// buildJobs creates the enrichment job manager with the configured summarizer.
func buildJobs(ctx context.Context, cfg *config.Config, cat *catalog.Catalog) (*enrich.Manager, ai.Summarizer, error) {
	summarizer, err := ai.New(ctx, cfg.Enrichment)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create summarizer: %w", err)
	}

	var lookup func(string) (*catalog.Entry, bool)
	var known func(string) bool
	if cat != nil {
		lookup = cat.Get
		known = func(id string) bool {
			_, ok := cat.Get(id)
			return ok
		}
	}

	task := enrich.NewProfileTask(summarizer, enrich.ProfileTaskOptions{
		PageAttempts:   cfg.Fetch.MaxAttempts,
		AttemptTimeout: cfg.Fetch.Timeout,
		Lookup:         lookup,
	})
	return enrich.NewManager(task, enrich.Options{
		Budget:           cfg.Enrichment.Budget,
		ExpectedDuration: cfg.Enrichment.ExpectedDuration,
		KnownID:          known,
	}), summarizer, nil
}

// errJobFailed is returned by CLI commands when an enrichment job ends in error.
var errJobFailed = errors.New("enrichment failed")
