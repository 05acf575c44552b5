package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/profile-match/internal/catalog"
	"github.com/kozaktomas/profile-match/internal/config"
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Resolve face vectors for the whole catalog",
	Long: `Download every catalog photo, compute its face embedding and store the
vectors in the configured vector store (DATABASE_URL or VECTOR_CACHE_DIR),
so that the first match requests do not pay for the downloads.

Examples:
  # Warm with the configured concurrency
  profile-match warm

  # Re-download everything, ignoring cached vectors
  profile-match warm --force

  # JSON output for scripting
  profile-match warm --json`,
	RunE: runWarm,
}

func init() {
	rootCmd.AddCommand(warmCmd)

	warmCmd.Flags().Bool("force", false, "Drop cached vectors before resolving")
	warmCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

// WarmResult represents the result of a warm run
type WarmResult struct {
	Success       bool     `json:"success"`
	Entries       int      `json:"entries"`
	Resolved      int      `json:"resolved"`
	Failed        []string `json:"failed,omitempty"`
	DurationMs    int64    `json:"duration_ms"`
	DurationHuman string   `json:"duration_human,omitempty"`
}

func runWarm(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	ctx := context.Background()

	p, err := buildPipeline(ctx, config.Load())
	if err != nil {
		return err
	}
	defer p.Close()

	if mustGetBool(cmd, "force") {
		// Stored vectors are overwritten by the batch save at the end of the run.
		for _, entry := range p.catalog.Entries() {
			p.resolver.Discard(entry)
		}
	}

	result, err := warmCatalog(ctx, p, jsonOutput)
	if err != nil {
		return err
	}
	if jsonOutput {
		result.DurationHuman = ""
		return outputJSON(result)
	}

	fmt.Println("\nWarm complete!")
	fmt.Printf("  Entries:  %d\n", result.Entries)
	fmt.Printf("  Resolved: %d\n", result.Resolved)
	if len(result.Failed) > 0 {
		fmt.Printf("  Failed:   %d\n", len(result.Failed))
		for _, id := range result.Failed {
			fmt.Printf("    - %s\n", id)
		}
	}
	fmt.Printf("  Duration: %s\n", result.DurationHuman)
	return nil
}

// warmCatalog resolves all entries, showing a progress bar unless quiet.
func warmCatalog(ctx context.Context, p *pipeline, quiet bool) (*WarmResult, error) {
	start := time.Now()
	entries := p.catalog.Entries()

	var bar *progressbar.ProgressBar
	if !quiet {
		bar = progressbar.NewOptions(len(entries),
			progressbar.OptionSetDescription("Resolving vectors"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("photos"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	resolution, err := p.resolver.ResolveAll(ctx, entries, func(*catalog.Entry, error) {
		if bar != nil {
			bar.Add(1)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("resolving catalog: %w", err)
	}
	if bar != nil {
		fmt.Println()
	}

	duration := time.Since(start)
	result := &WarmResult{
		Success:       len(resolution.Resolved) > 0,
		Entries:       len(entries),
		Resolved:      len(resolution.Resolved),
		DurationMs:    duration.Milliseconds(),
		DurationHuman: formatDuration(duration),
	}
	for _, f := range resolution.Failures {
		result.Failed = append(result.Failed, fmt.Sprintf("%s: %v", f.EntryID, f.Err))
	}
	return result, nil
}
