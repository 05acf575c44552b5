package enrich

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kozaktomas/profile-match/internal/catalog"
)

// State is the lifecycle state of an enrichment job. The values are the
// status strings exposed to clients.
type State string

const (
	StateStarted    State = "started"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "error"
)

// Terminal reports whether no further transitions happen without a new trigger.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Target is what an enrichment job retrieves details about.
type Target struct {
	Locator string `json:"target"` // profile URL or catalog:<id>
	Name    string `json:"name,omitempty"`
}

// Result is the structured outcome of a completed job.
type Result map[string]any

// Job is a snapshot of an enrichment job record.
type Job struct {
	Key        string     `json:"key"`
	RunID      string     `json:"run_id"`
	Target     Target     `json:"target"`
	State      State      `json:"status"`
	Message    string     `json:"message,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	BegunAt    *time.Time `json:"begun_at,omitempty"` // entered in_progress
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     Result     `json:"result,omitempty"`
	Err        error      `json:"-"`
}

// ErrorMessage returns the failure text, empty unless the job failed.
func (j Job) ErrorMessage() string {
	if j.Err == nil {
		return ""
	}
	return j.Err.Error()
}

// Handle is returned by Trigger. Two handles with the same RunID refer to the same job.
type Handle struct {
	Job
	// Created is false when the trigger attached to a job that was already running.
	Created bool
	// ExpectedDuration is a hint for clients choosing a poll cadence.
	ExpectedDuration time.Duration
}

// Key derives the job key from a locator. Catalog ids keep their case since
// they are case-sensitive identities. URLs get a lowercased scheme and host
// and lose trailing slashes; their paths keep their case.
func Key(locator string) string {
	locator = strings.TrimSpace(locator)
	if id, ok := strings.CutPrefix(locator, catalog.LocatorPrefix); ok {
		return catalog.LocatorPrefix + id
	}

	u, err := url.Parse(locator)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimRight(locator, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = strings.TrimRight(u.RawPath, "/")
	return strings.TrimRight(u.String(), "/")
}

// ValidateLocator accepts absolute http(s) URLs with a host, and catalog:<id>
// locators for which known returns true. known may be nil to reject catalog locators.
func ValidateLocator(locator string, known func(id string) bool) error {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return fmt.Errorf("%w: empty locator", ErrInvalidTarget)
	}

	if id, ok := strings.CutPrefix(locator, catalog.LocatorPrefix); ok {
		if id == "" || known == nil || !known(id) {
			return fmt.Errorf("%w: unknown catalog id %q", ErrInvalidTarget, id)
		}
		return nil
	}

	u, err := url.Parse(locator)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute http(s) URL", ErrInvalidTarget, locator)
	}
	return nil
}
