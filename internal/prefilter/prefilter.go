// Package prefilter narrows the catalog by fuzzy name similarity before
// any photo is fetched or compared.
package prefilter

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/kozaktomas/profile-match/internal/catalog"
	"github.com/kozaktomas/profile-match/internal/constants"
)

// Ratio is the normalized Levenshtein similarity of two already normalized strings, in [0,1].
func Ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// Similarity compares a probable name with a display name. Both are normalized
// first. The result is the better of the whole-string ratio and the mean, over
// the query's words, of each word's best ratio against the display name's words,
// so "alice" scores 1 against "Alice Smith".
func Similarity(probableName, displayName string) float64 {
	q := NormalizeName(probableName)
	d := NormalizeName(displayName)
	if q == "" || d == "" {
		return 0
	}

	whole := Ratio(q, d)

	queryTokens := strings.Fields(q)
	nameTokens := strings.Fields(d)
	var sum float64
	for _, qt := range queryTokens {
		best := 0.0
		for _, nt := range nameTokens {
			best = max(best, Ratio(qt, nt))
		}
		sum += best
	}
	tokens := sum / float64(len(queryTokens))

	return max(whole, tokens)
}

// Filter keeps catalog entries whose display name resembles a probable name.
type Filter struct {
	threshold float64
}

// New creates a filter. A negative threshold uses the default; zero keeps
// every entry.
func New(threshold float64) *Filter {
	if threshold < 0 {
		threshold = constants.DefaultNameThreshold
	}
	return &Filter{threshold: threshold}
}

// Threshold returns the minimum similarity an entry needs to be kept.
func (f *Filter) Threshold() float64 {
	return f.threshold
}

// Narrow returns the entries scoring at least the threshold, in their original
// order. An empty probable name, or a name matching nothing, returns all entries.
func (f *Filter) Narrow(entries []*catalog.Entry, probableName string) []*catalog.Entry {
	if strings.TrimSpace(probableName) == "" {
		return entries
	}

	var kept []*catalog.Entry
	for _, e := range entries {
		if Similarity(probableName, e.DisplayName) >= f.threshold {
			kept = append(kept, e)
		}
	}

	if len(kept) == 0 {
		slog.Debug("name prefilter matched nothing, using full catalog", "hint", probableName, "entries", len(entries))
		return entries
	}
	slog.Debug("name prefilter narrowed catalog", "hint", probableName, "kept", len(kept), "entries", len(entries))
	return kept
}
