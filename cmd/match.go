package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/profile-match/internal/config"
	"github.com/kozaktomas/profile-match/internal/matcher"
)

var matchCmd = &cobra.Command{
	Use:   "match <image>",
	Short: "Find the catalog profiles that best match a photo",
	Long: `Detect the face in a local photo and rank the catalog entries by face
similarity. The probable name of the person is taken from --name or, when
omitted, derived from the file name and used to narrow the candidates.

Examples:
  profile-match match alice_smith.jpg
  profile-match match upload.png --name "Alice Smith"
  profile-match match upload.png --json`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().String("name", "", "Probable name of the person in the photo")
	matchCmd.Flags().Bool("json", false, "Output as JSON")
}

func runMatch(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	path := args[0]

	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	ctx := context.Background()
	p, err := buildPipeline(ctx, config.Load())
	if err != nil {
		return err
	}
	defer p.Close()

	resp, err := p.matcher.Match(ctx, matcher.Request{
		Image:    image,
		Filename: filepath.Base(path),
		NameHint: mustGetString(cmd, "name"),
	})
	if err != nil {
		var qe *matcher.QueryError
		if errors.As(err, &qe) {
			return fmt.Errorf("cannot match %s: %w", path, err)
		}
		return err
	}

	if jsonOutput {
		return outputJSON(resp)
	}
	printMatchResponse(resp)
	return nil
}

func printMatchResponse(resp *matcher.Response) {
	if resp.NameHint != "" {
		fmt.Printf("Name hint: %s\n", resp.NameHint)
	}
	if !resp.Success {
		fmt.Printf("No candidates available: %s\n", resp.Error)
		printFailures(resp.Failures)
		return
	}

	fmt.Printf("\nTop matches (%d candidates compared in %s):\n\n", resp.Candidates, resp.Duration)
	fmt.Printf("%-4s %-10s %-9s %-30s %s\n", "#", "CONFIDENCE", "STATUS", "NAME", "PROFILE")
	for i, r := range resp.Results {
		fmt.Printf("%-4d %-10s %-9s %-30s %s\n", i+1, fmt.Sprintf("%d%%", r.Confidence), r.Status, truncate(r.Name, 30), r.Profile)
	}
	printFailures(resp.Failures)
}

func printFailures(failures []matcher.FailureReport) {
	if len(failures) == 0 {
		return
	}
	fmt.Printf("\n%d candidates unavailable:\n", len(failures))
	for _, f := range failures {
		fmt.Printf("  - %s: %s\n", f.ID, f.Error)
	}
}
