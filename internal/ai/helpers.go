package ai

import (
	_ "embed"
	"strings"
)

//go:embed prompts/profile_summary.txt
var profileSummaryPrompt string

const profileTextPlaceholder = "{{PROFILE_TEXT}}"

// buildSummaryPrompt inserts the profile text into the embedded prompt.
// This is shared across all AI providers.
func buildSummaryPrompt(text string) string {
	return strings.Replace(profileSummaryPrompt, profileTextPlaceholder, text, 1)
}
