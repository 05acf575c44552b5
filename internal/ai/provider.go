// Package ai wraps the LLM providers used to summarize profile pages.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/kozaktomas/profile-match/internal/config"
)

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("empty response from model")

// Summarizer turns cleaned profile text into a JSON-ish summary.
type Summarizer interface {
	Name() string
	Summarize(ctx context.Context, text string) (string, error)
	GetUsage() Usage
}

// Usage tracks token usage across calls.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// usageCounter is safe for concurrent jobs sharing one provider.
type usageCounter struct {
	input, output atomic.Int64
}

func (u *usageCounter) track(inputTokens, outputTokens int64) {
	u.input.Add(inputTokens)
	u.output.Add(outputTokens)
}

func (u *usageCounter) snapshot() Usage {
	return Usage{InputTokens: int(u.input.Load()), OutputTokens: int(u.output.Load())}
}

// New creates the summarizer selected by cfg.Provider ("gemini" or "openai").
func New(ctx context.Context, cfg config.EnrichmentConfig) (Summarizer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, errors.New("GEMINI_API_KEY environment variable is required")
		}
		return NewGeminiSummarizer(ctx, cfg.GeminiAPIKey, cfg.Model)
	case "openai":
		if cfg.OpenAIToken == "" {
			return nil, errors.New("OPENAI_TOKEN environment variable is required")
		}
		return NewOpenAISummarizer(cfg.OpenAIToken, cfg.Model), nil
	}
	return nil, fmt.Errorf("unknown enrichment provider %q (want gemini or openai)", cfg.Provider)
}
