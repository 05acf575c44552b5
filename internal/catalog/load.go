package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Options configures catalog loading.
type Options struct {
	Table string // table for SQL sources
}

// Load reads a catalog from a JSON or YAML file, or from a postgres:// or
// mysql:// DSN.
func Load(ctx context.Context, source string, opts Options) (*Catalog, error) {
	var (
		records []Record
		err     error
	)

	switch {
	case strings.HasPrefix(source, "postgres://"), strings.HasPrefix(source, "postgresql://"):
		records, err = loadSQL(ctx, "postgres", source, opts.Table)
	case strings.HasPrefix(source, "mysql://"):
		records, err = loadSQL(ctx, "mysql", strings.TrimPrefix(source, "mysql://"), opts.Table)
	default:
		records, err = loadFile(source)
	}
	if err != nil {
		return nil, err
	}

	c, skipped, err := New(redactSource(source), records)
	if len(skipped) > 0 {
		slog.Warn("catalog entries without photo skipped", "source", redactSource(source), "count", len(skipped))
	}
	if err != nil {
		return nil, err
	}

	slog.Info("catalog loaded", "source", c.Source(), "entries", c.Len())
	return c, nil
}

func loadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(path, data)
	default:
		return ParseJSON(path, data)
	}
}

// linkedInProfile covers both the LinkedIn export shape and the flat shape.
type linkedInProfile struct {
	ID        flexibleID `json:"id"`
	FirstName string     `json:"localizedFirstName"`
	LastName  string     `json:"localizedLastName"`
	Headline  string     `json:"localizedHeadline"`
	PublicURL string     `json:"publicProfileUrl"`
	Picture   *struct {
		DisplayImage struct {
			Elements []struct {
				Identifiers []struct {
					Identifier *string `json:"identifier"`
				} `json:"identifiers"`
			} `json:"elements"`
		} `json:"displayImage~"`
	} `json:"profilePicture"`

	Name    string `json:"name"`
	Photo   string `json:"photo"`
	Profile string `json:"profile"`
}

func (p *linkedInProfile) record() Record {
	r := Record{
		ID:          string(p.ID),
		DisplayName: p.Name,
		PhotoRef:    p.Photo,
		ProfileURL:  p.Profile,
		Headline:    p.Headline,
	}
	if r.DisplayName == "" {
		r.DisplayName = strings.TrimSpace(p.FirstName + " " + p.LastName)
	}
	if r.ProfileURL == "" {
		r.ProfileURL = p.PublicURL
	}
	if r.PhotoRef == "" && p.Picture != nil {
		if els := p.Picture.DisplayImage.Elements; len(els) > 0 {
			if ids := els[0].Identifiers; len(ids) > 0 && ids[0].Identifier != nil {
				r.PhotoRef = *ids[0].Identifier
			}
		}
	}
	return r
}

// flexibleID accepts both string and numeric ids.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

// ParseJSON parses a top-level array of profiles or an object wrapping
// them in "elements".
func ParseJSON(source string, data []byte) ([]Record, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &FormatError{Source: source, Record: -1, Reason: "invalid JSON: " + err.Error()}
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var wrapper struct {
			Elements json.RawMessage `json:"elements"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Elements == nil {
			return nil, &FormatError{Source: source, Record: -1, Reason: `object form requires an "elements" array`}
		}
		raw = wrapper.Elements
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &FormatError{Source: source, Record: -1, Reason: "profiles must be an array"}
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		var p linkedInProfile
		if err := json.Unmarshal(item, &p); err != nil {
			return nil, &FormatError{Source: source, Record: i, Field: "profile", Reason: "is malformed: " + err.Error()}
		}
		records = append(records, p.record())
	}
	return records, nil
}

// ParseYAML parses a list of flat profiles, optionally wrapped in "profiles".
func ParseYAML(source string, data []byte) ([]Record, error) {
	var list []Record
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var wrapper struct {
		Profiles []Record `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, &FormatError{Source: source, Record: -1, Reason: "invalid YAML: " + err.Error()}
	}
	return wrapper.Profiles, nil
}

// redactSource hides credentials embedded in DSNs before they reach logs.
func redactSource(source string) string {
	scheme, rest, ok := strings.Cut(source, "://")
	if !ok {
		return source
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return source
}
