// Package enrich runs asynchronous, pollable enrichment jobs keyed by the
// selected candidate.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/profile-match/internal/constants"
)

// Task is the long-running work behind a job. It calls progress.Begin once it
// has made contact with the target; a task that succeeds without calling it is
// moved through in_progress on completion.
//
// Run must return promptly once ctx is done. A job whose budget expired is
// marked failed right away, but a new run for the same key does not start
// until the previous Run has returned.
type Task interface {
	Run(ctx context.Context, target Target, progress Reporter) (Result, error)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context, target Target, progress Reporter) (Result, error)

func (f TaskFunc) Run(ctx context.Context, target Target, progress Reporter) (Result, error) {
	return f(ctx, target, progress)
}

// Reporter lets a task move its job forward.
type Reporter interface {
	// Begin moves the job from started to in_progress.
	Begin()
	// Update sets the job's progress message.
	Update(message string)
}

type Options struct {
	// Budget is the wall-clock limit of one job.
	Budget time.Duration
	// ExpectedDuration is reported to clients on trigger.
	ExpectedDuration time.Duration
	// KnownID validates catalog:<id> locators.
	KnownID func(id string) bool
	// Now is the clock, defaults to time.Now.
	Now func() time.Time
}

// record holds one key's job. mu serializes transitions for that key.
type record struct {
	mu  sync.Mutex
	job Job

	// running is closed when the latest Run call returns.
	running chan struct{}
}

// Manager is the process-wide keyed store of enrichment jobs.
type Manager struct {
	task Task
	opts Options

	mu   sync.Mutex // guards jobs
	jobs map[string]*record

	wg sync.WaitGroup
}

// NewManager creates a job manager running task for every job.
func NewManager(task Task, opts Options) *Manager {
	if opts.Budget <= 0 {
		opts.Budget = constants.DefaultJobBudget
	}
	if opts.ExpectedDuration <= 0 {
		opts.ExpectedDuration = constants.DefaultExpectedDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		task: task,
		opts: opts,
		jobs: make(map[string]*record),
	}
}

// Trigger starts a job for target unless one is already active for its key,
// in which case the active job's handle is returned and no work is started.
// Only a malformed target fails the call; execution failures show up in Poll.
func (m *Manager) Trigger(target Target) (Handle, error) {
	target.Locator = strings.TrimSpace(target.Locator)
	target.Name = strings.TrimSpace(target.Name)
	if err := ValidateLocator(target.Locator, m.opts.KnownID); err != nil {
		return Handle{}, err
	}
	key := Key(target.Locator)

	m.mu.Lock()
	rec, ok := m.jobs[key]
	if !ok {
		rec = &record{}
		m.jobs[key] = rec
	}
	rec.mu.Lock()
	m.mu.Unlock()
	defer rec.mu.Unlock()

	if rec.job.RunID != "" && !rec.job.State.Terminal() {
		return Handle{Job: rec.job, ExpectedDuration: m.opts.ExpectedDuration}, nil
	}

	now := m.opts.Now()
	rec.job = Job{
		Key:       key,
		RunID:     uuid.New().String(),
		Target:    target,
		State:     StateStarted,
		Message:   "enrichment started",
		StartedAt: now,
		UpdatedAt: now,
	}
	runID := rec.job.RunID
	prev := rec.running
	rec.running = make(chan struct{})

	m.wg.Add(1)
	go m.run(rec, runID, target, prev, rec.running)

	slog.Info("enrichment job started", "key", key, "run_id", runID)
	return Handle{Job: rec.job, Created: true, ExpectedDuration: m.opts.ExpectedDuration}, nil
}

// run executes the task under the job budget and records the outcome. prev is
// the previous run's task for this key, which may outlive its own budget;
// the task is not started until it has returned.
func (m *Manager) run(rec *record, runID string, target Target, prev, running chan struct{}) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Budget)
	defer cancel()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			close(running)
			m.finish(rec, runID, StateFailed, nil,
				fmt.Errorf("%w after %s: previous run still executing", ErrJobTimeout, m.opts.Budget))
			return
		}
	}

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	rep := &reporter{m: m, rec: rec, runID: runID}
	go func() {
		var out outcome
		// running is closed before the outcome is delivered.
		defer func() {
			if r := recover(); r != nil {
				out = outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
			close(running)
			done <- out
		}()
		res, err := m.task.Run(ctx, target, rep)
		out = outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}

	switch {
	case errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() != nil:
		m.finish(rec, runID, StateFailed, nil, fmt.Errorf("%w after %s", ErrJobTimeout, m.opts.Budget))
	case out.err != nil:
		m.finish(rec, runID, StateFailed, nil, &ExecutionError{Err: out.err})
	default:
		rep.Begin()
		m.finish(rec, runID, StateCompleted, out.result, nil)
	}
}

func (m *Manager) finish(rec *record, runID string, state State, result Result, err error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.job.RunID != runID || rec.job.State.Terminal() {
		return
	}

	now := m.opts.Now()
	rec.job.State = state
	rec.job.Result = result
	rec.job.Err = err
	rec.job.UpdatedAt = now
	rec.job.FinishedAt = &now
	if err != nil {
		rec.job.Message = "enrichment failed"
		slog.Warn("enrichment job failed", "key", rec.job.Key, "run_id", runID, "error", err)
	} else {
		rec.job.Message = "enrichment completed"
		slog.Info("enrichment job completed", "key", rec.job.Key, "run_id", runID,
			"duration", now.Sub(rec.job.StartedAt))
	}
}

// taskRunning reports whether the last Run call has not returned yet, which
// outlasts the job state when a task overran its budget.
func (r *record) taskRunning() bool {
	if r.running == nil {
		return false
	}
	select {
	case <-r.running:
		return false
	default:
		return true
	}
}

type reporter struct {
	m     *Manager
	rec   *record
	runID string
}

func (r *reporter) Begin() {
	r.rec.mu.Lock()
	defer r.rec.mu.Unlock()
	if r.rec.job.RunID != r.runID || r.rec.job.State != StateStarted {
		return
	}
	now := r.m.opts.Now()
	r.rec.job.State = StateInProgress
	r.rec.job.Message = "enrichment in progress"
	r.rec.job.BegunAt = &now
	r.rec.job.UpdatedAt = now
}

func (r *reporter) Update(message string) {
	r.rec.mu.Lock()
	defer r.rec.mu.Unlock()
	if r.rec.job.RunID != r.runID || r.rec.job.State.Terminal() {
		return
	}
	r.rec.job.Message = message
	r.rec.job.UpdatedAt = r.m.opts.Now()
}

func (m *Manager) lookup(key string) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[Key(key)]
}

// Poll returns the current record for key (a key or the locator it came from).
func (m *Manager) Poll(key string) (Job, error) {
	rec := m.lookup(key)
	if rec == nil {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, key)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job, nil
}

// PollByName finds the most recently started job whose target name matches
// name case-insensitively. Falls back to Poll for keys.
func (m *Manager) PollByName(name string) (Job, error) {
	if job, err := m.Poll(name); err == nil {
		return job, nil
	}

	want := strings.ToLower(strings.TrimSpace(name))
	var found *Job
	for _, job := range m.List() {
		if strings.ToLower(job.Target.Name) == want {
			found = &job
		}
	}
	if found == nil {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return *found, nil
}

// Clear removes a finished job. Active jobs cannot be cleared.
func (m *Manager) Clear(key string) error {
	k := Key(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[k]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, key)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.job.State.Terminal() || rec.taskRunning() {
		return ErrJobActive
	}
	delete(m.jobs, k)
	return nil
}

// List returns snapshots of all jobs ordered by start time.
func (m *Manager) List() []Job {
	m.mu.Lock()
	records := make([]*record, 0, len(m.jobs))
	for _, rec := range m.jobs {
		records = append(records, rec)
	}
	m.mu.Unlock()

	jobs := make([]Job, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		jobs = append(jobs, rec.job)
		rec.mu.Unlock()
	}
	slices.SortFunc(jobs, func(a, b Job) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return jobs
}

// Wait blocks until all running jobs have finished or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
