package ranker

import (
	"fmt"
	"math"
	"strings"
)

// Scale maps cosine similarity in [-1,1] to an integer confidence in [0,100].
// Every scale is monotonic non-decreasing in similarity.
type Scale int

const (
	// Linear maps the full cosine range: round((cos+1)/2*100).
	// 1 -> 100, 0 -> 50, -1 -> 0.
	Linear Scale = iota
	// Clamped treats negative similarity as no match: round(clamp(cos,0,1)*100).
	Clamped
)

// ParseScale parses "linear" or "clamped". Empty selects Linear.
func ParseScale(s string) (Scale, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear":
		return Linear, nil
	case "clamped":
		return Clamped, nil
	}
	return Linear, fmt.Errorf("unknown confidence scale %q (want linear or clamped)", s)
}

func (s Scale) String() string {
	if s == Clamped {
		return "clamped"
	}
	return "linear"
}

// Confidence converts a cosine similarity to a 0-100 score.
func (s Scale) Confidence(cosine float64) int {
	if math.IsNaN(cosine) {
		return 0
	}
	cosine = max(-1, min(1, cosine))

	var v float64
	switch s {
	case Clamped:
		v = max(0, cosine) * 100
	default:
		v = (cosine + 1) / 2 * 100
	}
	return int(math.Round(v))
}
