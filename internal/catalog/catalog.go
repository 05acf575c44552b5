// Package catalog loads the candidate roster that uploaded photos are matched against.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCatalogEmpty is returned when a source yields no usable entries.
var ErrCatalogEmpty = errors.New("catalog is empty")

// FormatError reports a missing or malformed field in a catalog source.
type FormatError struct {
	Source string
	Record int // zero-based record position in the source, -1 for whole-source problems
	Field  string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Record < 0 {
		return fmt.Sprintf("catalog %s: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("catalog %s: record %d: %s %s", e.Source, e.Record, e.Field, e.Reason)
}

// Record is one raw catalog row before validation.
type Record struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"name" yaml:"name"`
	PhotoRef    string `json:"photo" yaml:"photo"`
	ProfileURL  string `json:"profile,omitempty" yaml:"profile,omitempty"`
	Headline    string `json:"headline,omitempty" yaml:"headline,omitempty"`
}

// Vector is a published face embedding of a catalog entry.
type Vector struct {
	Values   []float32
	CachedAt time.Time
}

// Entry is a candidate profile. Identity fields never change after load;
// the vector slot is written by the photo cache and read by rankers.
type Entry struct {
	ID          string
	DisplayName string
	PhotoRef    string
	ProfileURL  string
	Headline    string
	Index       int // insertion position, used for deterministic tie-breaking

	vec atomic.Pointer[Vector]
	mu  sync.Mutex // serializes writers of vec and gen
	gen uint64
}

// Vector returns the cached vector or nil.
func (e *Entry) Vector() *Vector {
	return e.vec.Load()
}

// SetVector publishes a copy of values. Readers see either the previous
// vector or the complete new one.
func (e *Entry) SetVector(values []float32, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vec.Store(&Vector{Values: slices.Clone(values), CachedAt: at})
}

// Generation changes on every Invalidate.
func (e *Entry) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

// PublishVector is SetVector for a resolution that began at generation gen.
// It reports false and leaves the slot alone if the entry was invalidated since.
func (e *Entry) PublishVector(gen uint64, values []float32, at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return false
	}
	e.vec.Store(&Vector{Values: slices.Clone(values), CachedAt: at})
	return true
}

// Invalidate drops the cached vector and starts a new generation.
func (e *Entry) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	e.vec.Store(nil)
}

// Locator returns the opaque locator handed to clients for enrichment.
func (e *Entry) Locator() string {
	if e.ProfileURL != "" {
		return e.ProfileURL
	}
	return LocatorPrefix + e.ID
}

// LocatorPrefix marks locators that reference a catalog id instead of a URL.
const LocatorPrefix = "catalog:"

// Catalog is an ordered, id-indexed set of entries.
type Catalog struct {
	source  string
	entries []*Entry
	byID    map[string]*Entry
}

// New validates records and builds a catalog preserving their order.
// Records without a photo are skipped; their ids are returned in skipped.
func New(source string, records []Record) (*Catalog, []string, error) {
	c := &Catalog{
		source: source,
		byID:   make(map[string]*Entry, len(records)),
	}
	var skipped []string

	for i, r := range records {
		id := strings.TrimSpace(r.ID)
		name := strings.Join(strings.Fields(r.DisplayName), " ")
		if id == "" {
			return nil, nil, &FormatError{Source: source, Record: i, Field: "id", Reason: "is missing"}
		}
		if name == "" {
			return nil, nil, &FormatError{Source: source, Record: i, Field: "name", Reason: "is missing"}
		}
		if _, dup := c.byID[id]; dup {
			return nil, nil, &FormatError{Source: source, Record: i, Field: "id", Reason: fmt.Sprintf("%q is duplicated", id)}
		}

		photo := normalizeURL(r.PhotoRef)
		if photo == "" {
			skipped = append(skipped, id)
			continue
		}
		if !isHTTPURL(photo) {
			return nil, nil, &FormatError{Source: source, Record: i, Field: "photo", Reason: fmt.Sprintf("%q is not an http(s) URL", r.PhotoRef)}
		}

		profile := normalizeURL(r.ProfileURL)
		if profile != "" && !isHTTPURL(profile) {
			return nil, nil, &FormatError{Source: source, Record: i, Field: "profile", Reason: fmt.Sprintf("%q is not an http(s) URL", r.ProfileURL)}
		}

		e := &Entry{
			ID:          id,
			DisplayName: name,
			PhotoRef:    photo,
			ProfileURL:  profile,
			Headline:    strings.TrimSpace(r.Headline),
			Index:       len(c.entries),
		}
		c.entries = append(c.entries, e)
		c.byID[id] = e
	}

	if len(c.entries) == 0 {
		return nil, skipped, fmt.Errorf("%s: %w", source, ErrCatalogEmpty)
	}
	return c, skipped, nil
}

// Source returns the location the catalog was loaded from.
func (c *Catalog) Source() string { return c.source }

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Entries returns all entries in insertion order. The slice must not be modified.
func (c *Catalog) Entries() []*Entry { return c.entries }

// Get returns the entry with the given id.
func (c *Catalog) Get(id string) (*Entry, bool) {
	e, ok := c.byID[id]
	return e, ok
}

// Resolved returns how many entries currently hold a vector.
func (c *Catalog) Resolved() int {
	n := 0
	for _, e := range c.entries {
		if e.Vector() != nil {
			n++
		}
	}
	return n
}

// normalizeURL trims the value and upgrades protocol-relative URLs to https.
func normalizeURL(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "//") {
		return "https:" + s
	}
	return s
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
