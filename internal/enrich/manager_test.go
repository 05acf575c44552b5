package enrich

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

const aliceURL = "https://www.linkedin.com/in/alice-smith"

// gatedTask blocks at each step until the test releases it.
type gatedTask struct {
	calls  atomic.Int64
	begin  chan struct{}
	begun  chan struct{}
	finish chan struct{}
	err    error
}

func newGatedTask() *gatedTask {
	return &gatedTask{
		begin:  make(chan struct{}),
		begun:  make(chan struct{}, 1),
		finish: make(chan struct{}),
	}
}

func (g *gatedTask) Run(ctx context.Context, target Target, progress Reporter) (Result, error) {
	g.calls.Add(1)
	<-g.begin
	progress.Begin()
	g.begun <- struct{}{}
	<-g.finish
	if g.err != nil {
		return nil, g.err
	}
	return Result{"summary": "Staff engineer", "target": target.Locator}, nil
}

func waitJobs(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("jobs did not finish: %v", err)
	}
}

func TestManager_TriggerPollLifecycle(t *testing.T) {
	task := newGatedTask()
	m := NewManager(task, Options{})

	h, err := m.Trigger(Target{Locator: aliceURL, Name: "Alice Smith"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if !h.Created || h.State != StateStarted {
		t.Fatalf("expected new started job, got %+v", h)
	}
	if h.ExpectedDuration <= 0 {
		t.Error("expected an expected duration hint")
	}

	job, err := m.Poll(h.Key)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if job.State != StateStarted {
		t.Errorf("poll 1: expected started, got %s", job.State)
	}

	task.begin <- struct{}{}
	<-task.begun
	job, _ = m.Poll(h.Key)
	if job.State != StateInProgress {
		t.Errorf("poll 2: expected in_progress, got %s", job.State)
	}

	close(task.finish)
	waitJobs(t, m)
	job, _ = m.Poll(h.Key)
	if job.State != StateCompleted {
		t.Fatalf("poll 3: expected completed, got %s (%v)", job.State, job.Err)
	}
	if job.Result == nil || job.Result["summary"] != "Staff engineer" {
		t.Errorf("expected result on completed job, got %v", job.Result)
	}
	if job.FinishedAt == nil {
		t.Error("expected finished timestamp")
	}
}

func TestManager_TriggerIsIdempotentWhileActive(t *testing.T) {
	task := newGatedTask()
	m := NewManager(task, Options{})

	first, err := m.Trigger(Target{Locator: aliceURL})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	second, err := m.Trigger(Target{Locator: aliceURL + "/"})
	if err != nil {
		t.Fatalf("second Trigger failed: %v", err)
	}

	if second.Created {
		t.Error("second trigger must attach to the active job")
	}
	if first.RunID != second.RunID || first.Key != second.Key {
		t.Errorf("expected same job, got %s/%s and %s/%s", first.Key, first.RunID, second.Key, second.RunID)
	}

	close(task.begin)
	close(task.finish)
	waitJobs(t, m)

	if got := task.calls.Load(); got != 1 {
		t.Errorf("expected task to run once, ran %d times", got)
	}
}

func TestManager_CatalogIDsAreCaseSensitive(t *testing.T) {
	var runs atomic.Int64
	release := make(chan struct{})
	task := TaskFunc(func(ctx context.Context, target Target, progress Reporter) (Result, error) {
		runs.Add(1)
		progress.Begin()
		<-release
		return Result{"target": target.Locator}, nil
	})
	m := NewManager(task, Options{KnownID: func(id string) bool { return id == "abc" || id == "ABC" }})

	lower, err := m.Trigger(Target{Locator: "catalog:abc"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	upper, err := m.Trigger(Target{Locator: "catalog:ABC"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	if !lower.Created || !upper.Created {
		t.Error("expected two separate jobs")
	}
	if lower.Key == upper.Key || lower.RunID == upper.RunID {
		t.Errorf("expected distinct jobs, got %s and %s", lower.Key, upper.Key)
	}

	close(release)
	waitJobs(t, m)
	if got := runs.Load(); got != 2 {
		t.Errorf("expected two task runs, got %d", got)
	}
	job, err := m.Poll("catalog:ABC")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if job.Result["target"] != "catalog:ABC" {
		t.Errorf("expected ABC's own result, got %v", job.Result)
	}
}

func TestManager_RetriggerAfterTerminal(t *testing.T) {
	task := newGatedTask()
	close(task.begin)
	close(task.finish)
	m := NewManager(task, Options{})

	first, _ := m.Trigger(Target{Locator: aliceURL})
	waitJobs(t, m)

	second, err := m.Trigger(Target{Locator: aliceURL})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if !second.Created || second.RunID == first.RunID {
		t.Error("expected a fresh job after the previous one finished")
	}
	if second.State != StateStarted || second.Result != nil {
		t.Errorf("expected reset to started without result, got %+v", second.Job)
	}
	waitJobs(t, m)
	if task.calls.Load() != 2 {
		t.Errorf("expected 2 task runs, got %d", task.calls.Load())
	}
}

func TestManager_PollUnknown(t *testing.T) {
	m := NewManager(newGatedTask(), Options{})
	if _, err := m.Poll("https://example.com/nobody"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
}

func TestManager_TaskFailure(t *testing.T) {
	task := newGatedTask()
	task.err = errors.New("profile page returned status 999")
	close(task.begin)
	close(task.finish)
	m := NewManager(task, Options{})

	h, _ := m.Trigger(Target{Locator: aliceURL})
	waitJobs(t, m)

	job, _ := m.Poll(h.Key)
	if job.State != StateFailed {
		t.Fatalf("expected failed job, got %s", job.State)
	}
	var execErr *ExecutionError
	if !errors.As(job.Err, &execErr) {
		t.Errorf("expected ExecutionError, got %v", job.Err)
	}
	if job.ErrorMessage() == "" {
		t.Error("expected error message")
	}
}

func TestManager_Budget(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	task := TaskFunc(func(ctx context.Context, target Target, progress Reporter) (Result, error) {
		progress.Begin()
		<-release // ignores ctx on purpose
		return Result{}, nil
	})
	m := NewManager(task, Options{Budget: 30 * time.Millisecond})

	h, _ := m.Trigger(Target{Locator: aliceURL})
	waitJobs(t, m)

	job, _ := m.Poll(h.Key)
	if job.State != StateFailed {
		t.Fatalf("expected job to fail on budget, got %s", job.State)
	}
	if !errors.Is(job.Err, ErrJobTimeout) {
		t.Errorf("expected ErrJobTimeout, got %v", job.Err)
	}
}

func TestManager_RetriggerWaitsForOverrunningTask(t *testing.T) {
	release := make(chan struct{})
	var calls, active, peak atomic.Int64
	task := TaskFunc(func(ctx context.Context, target Target, progress Reporter) (Result, error) {
		calls.Add(1)
		n := active.Add(1)
		defer active.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		progress.Begin()
		<-release // ignores ctx on purpose
		return Result{"summary": "done"}, nil
	})
	m := NewManager(task, Options{Budget: 100 * time.Millisecond})

	h, _ := m.Trigger(Target{Locator: aliceURL})
	waitJobs(t, m)
	if job, _ := m.Poll(h.Key); !errors.Is(job.Err, ErrJobTimeout) {
		t.Fatalf("expected first run to time out, got %v", job.Err)
	}

	if err := m.Clear(h.Key); !errors.Is(err, ErrJobActive) {
		t.Errorf("expected ErrJobActive while the overrunning task executes, got %v", err)
	}

	second, err := m.Trigger(Target{Locator: aliceURL})
	if err != nil || !second.Created {
		t.Fatalf("expected a new run, got %+v (%v)", second, err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected new run to wait for the previous task, task ran %d times", got)
	}
	if job, _ := m.Poll(h.Key); job.State != StateStarted {
		t.Errorf("expected waiting run to stay started, got %s", job.State)
	}

	close(release)
	waitJobs(t, m)

	job, _ := m.Poll(h.Key)
	if job.State != StateCompleted || job.RunID != second.RunID {
		t.Errorf("expected second run to complete, got %s (%s)", job.State, job.RunID)
	}
	if calls.Load() != 2 || peak.Load() != 1 {
		t.Errorf("expected two sequential runs, calls=%d peak=%d", calls.Load(), peak.Load())
	}
}

func TestManager_CompletionImpliesInProgress(t *testing.T) {
	m := NewManager(TaskFunc(func(context.Context, Target, Reporter) (Result, error) {
		return Result{"summary": "quiet task"}, nil
	}), Options{})
	h, _ := m.Trigger(Target{Locator: aliceURL})
	waitJobs(t, m)

	job, _ := m.Poll(h.Key)
	if job.State != StateCompleted {
		t.Fatalf("expected completed, got %s", job.State)
	}
	if job.BegunAt == nil {
		t.Error("expected job to pass through in_progress")
	}

	failing := NewManager(TaskFunc(func(context.Context, Target, Reporter) (Result, error) {
		return nil, errors.New("handshake refused")
	}), Options{})
	h, _ = failing.Trigger(Target{Locator: aliceURL})
	waitJobs(t, failing)
	if job, _ := failing.Poll(h.Key); job.BegunAt != nil {
		t.Error("expected a job failing before its handshake not to be marked begun")
	}
}

func TestManager_PanicFailsJob(t *testing.T) {
	task := TaskFunc(func(context.Context, Target, Reporter) (Result, error) {
		panic("boom")
	})
	m := NewManager(task, Options{})
	h, _ := m.Trigger(Target{Locator: aliceURL})
	waitJobs(t, m)

	job, _ := m.Poll(h.Key)
	if job.State != StateFailed {
		t.Errorf("expected failed job after panic, got %s", job.State)
	}
}

func TestManager_InvalidTarget(t *testing.T) {
	task := newGatedTask()
	m := NewManager(task, Options{KnownID: func(id string) bool { return id == "1" }})

	for _, locator := range []string{"", "   ", "ftp://example.com/x", "not a url", "/in/alice", "catalog:", "catalog:404"} {
		if _, err := m.Trigger(Target{Locator: locator}); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("Trigger(%q): expected ErrInvalidTarget, got %v", locator, err)
		}
	}
	if len(m.List()) != 0 {
		t.Error("invalid triggers must not create jobs")
	}
	if task.calls.Load() != 0 {
		t.Error("invalid triggers must not run the task")
	}

	close(task.begin)
	close(task.finish)
	if _, err := m.Trigger(Target{Locator: "catalog:1"}); err != nil {
		t.Errorf("expected known catalog locator to be accepted, got %v", err)
	}
	waitJobs(t, m)
}

func TestManager_Clear(t *testing.T) {
	task := newGatedTask()
	m := NewManager(task, Options{})
	h, _ := m.Trigger(Target{Locator: aliceURL})

	if err := m.Clear(h.Key); !errors.Is(err, ErrJobActive) {
		t.Errorf("expected ErrJobActive, got %v", err)
	}

	close(task.begin)
	close(task.finish)
	waitJobs(t, m)

	if err := m.Clear(h.Key); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := m.Poll(h.Key); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected cleared job to be unknown, got %v", err)
	}
	if err := m.Clear(h.Key); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob clearing twice, got %v", err)
	}
}

func TestManager_PollByNameAndList(t *testing.T) {
	task := newGatedTask()
	close(task.begin)
	close(task.finish)
	m := NewManager(task, Options{})

	m.Trigger(Target{Locator: aliceURL, Name: "Alice Smith"})
	m.Trigger(Target{Locator: "https://www.linkedin.com/in/bob-jones", Name: "Bob Jones"})
	waitJobs(t, m)

	job, err := m.PollByName("alice smith")
	if err != nil {
		t.Fatalf("PollByName failed: %v", err)
	}
	if job.Target.Locator != aliceURL {
		t.Errorf("unexpected job %+v", job)
	}
	if _, err := m.PollByName("Carol"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}

	if jobs := m.List(); len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(jobs))
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"HTTPS://WWW.LinkedIn.com/in/alice-smith/", "https://www.linkedin.com/in/alice-smith"},
		{"https://www.linkedin.com/in/Alice-Smith", "https://www.linkedin.com/in/Alice-Smith"},
		{"  https://example.com/p//  ", "https://example.com/p"},
		{"catalog:42", "catalog:42"},
		{"catalog:ACoAAB3x", "catalog:ACoAAB3x"},
	}
	for _, tt := range tests {
		if got := Key(tt.input); got != tt.expected {
			t.Errorf("Key(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
