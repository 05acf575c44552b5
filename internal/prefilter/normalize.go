package prefilter

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizeName folds a name for comparison: no diacritics, lowercase,
// separators turned into spaces and whitespace collapsed.
func NormalizeName(name string) string {
	name = RemoveDiacritics(name)
	name = strings.ToLower(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.', ',':
			return ' '
		}
		return r
	}, name)
	return strings.Join(strings.Fields(name), " ")
}

// filenameNoise are tokens cameras, phones and exports put into filenames.
var filenameNoise = map[string]bool{
	"img": true, "image": true, "photo": true, "pic": true, "picture": true,
	"dsc": true, "dscn": true, "dcim": true, "pxl": true, "screenshot": true,
	"whatsapp": true, "profile": true, "linkedin": true, "copy": true,
	"edited": true, "final": true, "scan": true, "selfie": true, "avatar": true,
}

// HintFromFilename derives a probable person name from an uploaded file name,
// e.g. "Alice_Smith-2023.jpg" -> "alice smith". Returns "" when nothing name-like is left.
func HintFromFilename(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))

	fields := strings.FieldsFunc(NormalizeName(base), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsDigit(r) || r == '(' || r == ')'
	})

	var words []string
	for _, f := range fields {
		if len([]rune(f)) < 2 || filenameNoise[f] {
			continue
		}
		words = append(words, f)
	}
	return strings.Join(words, " ")
}
