package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/profile-match/internal/catalog"
	"github.com/kozaktomas/profile-match/internal/config"
	"github.com/kozaktomas/profile-match/internal/enrich"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich <profile-url | catalog:id>",
	Short: "Summarize a profile page and wait for the result",
	Long: `Start an enrichment job for a profile and poll it until it finishes.
The job downloads the profile page, extracts its text and summarizes it with
the configured LLM provider (ENRICH_PROVIDER=gemini|openai).

catalog:<id> targets require CATALOG_SOURCE.

Examples:
  profile-match enrich https://www.linkedin.com/in/alice-smith
  profile-match enrich catalog:42 --interval 5s --json`,
	Args: cobra.ExactArgs(1),
	RunE: runEnrich,
}

func init() {
	rootCmd.AddCommand(enrichCmd)

	enrichCmd.Flags().String("name", "", "Display name of the person")
	enrichCmd.Flags().Duration("interval", 2*time.Second, "Poll interval")
	enrichCmd.Flags().Bool("json", false, "Output the final job as JSON")
}

func runEnrich(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	interval := mustGetDuration(cmd, "interval")
	ctx := context.Background()
	cfg := config.Load()

	var cat *catalog.Catalog
	if strings.HasPrefix(args[0], catalog.LocatorPrefix) {
		if cfg.Catalog.Source == "" {
			return fmt.Errorf("%s targets require CATALOG_SOURCE", catalog.LocatorPrefix)
		}
		var err error
		if cat, err = catalog.Load(ctx, cfg.Catalog.Source, catalog.Options{Table: cfg.Catalog.Table}); err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}
	}

	jobs, summarizer, err := buildJobs(ctx, cfg, cat)
	if err != nil {
		return err
	}

	handle, err := jobs.Trigger(enrich.Target{Locator: args[0], Name: mustGetString(cmd, "name")})
	if err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Printf("Enrichment started (expected about %s)\n", formatDuration(handle.ExpectedDuration))
	}

	job, err := pollUntilDone(ctx, jobs, handle.Key, interval, !jsonOutput)
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := outputJSON(job); err != nil {
			return err
		}
	} else if job.State == enrich.StateCompleted {
		fmt.Println("\nEnrichment complete:")
		if err := outputJSON(job.Result); err != nil {
			return err
		}
	}
	if !jsonOutput {
		usage := summarizer.GetUsage()
		fmt.Printf("\nModel %s used %d input and %d output tokens\n", summarizer.Name(), usage.InputTokens, usage.OutputTokens)
	}
	if job.State == enrich.StateFailed {
		return fmt.Errorf("%w: %s", errJobFailed, job.ErrorMessage())
	}
	return nil
}

// pollUntilDone polls the job at interval and prints state changes until it is terminal.
func pollUntilDone(ctx context.Context, jobs *enrich.Manager, key string, interval time.Duration, printStatus bool) (enrich.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		job, err := jobs.Poll(key)
		if err != nil {
			return enrich.Job{}, err
		}
		if status := string(job.State) + ": " + job.Message; printStatus && status != last {
			fmt.Printf("  [%s] %s\n", time.Now().Format(time.TimeOnly), status)
			last = status
		}
		if job.State.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
