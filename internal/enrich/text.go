package enrich

import (
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// noiseKeywords mark boilerplate lines of profile pages (navigation, footer, ads).
var noiseKeywords = []string{
	"about", "accessibility", "talent solutions", "careers", "marketing solutions",
	"privacy & terms", "ad choices", "advertising", "sales solutions", "mobile",
	"small business", "safety center", "questions?", "people also viewed",
	"visit our help center", "manage your account and privacy",
	"recommendation transparency", "messaging overlay", "see more", "show more",
}

// skippedElements never contain visible profile text.
var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "svg": true, "head": true, "template": true,
}

// blockElements end a line of text.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"tr": true, "header": true, "footer": true,
}

// ExtractText returns the visible text of an HTML document, one block per line.
func ExtractText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var b strings.Builder
	skip := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return b.String(), nil
			}
			return b.String(), z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skippedElements[tag] && tt == html.StartTagToken {
				skip++
			}
			if blockElements[tag] {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skippedElements[tag] && skip > 0 {
				skip--
			}
			if blockElements[tag] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// Preprocess cleans extracted page text: lines of 3 characters or fewer,
// lines containing noise keywords and repeated lines are dropped.
func Preprocess(text string) string {
	text = strings.ReplaceAll(text, "\r", "\n")

	seen := make(map[string]bool)
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if len([]rune(line)) <= 3 || isNoise(line) || seen[line] {
			continue
		}
		seen[line] = true
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func isNoise(line string) bool {
	lower := strings.ToLower(line)
	for _, k := range noiseKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Chunk splits text on line boundaries into pieces shorter than maxChars.
// A single line longer than maxChars becomes its own chunk.
func Chunk(text string, maxChars int) []string {
	if len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if cur.Len() > 0 && cur.Len()+len(line)+1 >= maxChars {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

var fenceRe = regexp.MustCompile("```(?:json)?")

// ParseJSONish decodes model output that should be JSON but may be wrapped in
// code fences or prose. Output that cannot be decoded is kept under "summary_raw".
func ParseJSONish(text string) Result {
	cleaned := strings.TrimSpace(fenceRe.ReplaceAllString(text, ""))

	var obj map[string]any
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil && obj != nil {
		return obj
	}

	var arr []any
	if err := json.Unmarshal([]byte(cleaned), &arr); err == nil {
		return Result{"items": arr}
	}

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &obj); err == nil && obj != nil {
			return obj
		}
	}
	return Result{"summary_raw": cleaned}
}
