package enrich

import (
	"errors"
)

var (
	// ErrInvalidTarget rejects a trigger with a malformed or unknown locator.
	ErrInvalidTarget = errors.New("invalid enrichment target")
	// ErrUnknownJob is returned when polling a key that was never triggered.
	ErrUnknownJob = errors.New("unknown enrichment job")
	// ErrJobTimeout is the failure of a job that exceeded its budget.
	ErrJobTimeout = errors.New("enrichment job timed out")
	// ErrJobActive is returned when clearing a job that has not finished.
	ErrJobActive = errors.New("enrichment job is still running")
)

// ExecutionError is the failure of a job whose task returned an error.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return "enrichment failed: " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }
