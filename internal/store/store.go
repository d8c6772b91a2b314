// Package store persists finished optimization runs: a JSON record and a
// JSONL residual trace per run.
package store

import "github.com/google/uuid"

// Store defines the interface for run persistence.
// Implementations must be safe for concurrent use.
//
// Error handling conventions:
//   - Return ErrNotFound if the run doesn't exist (for Load/Delete)
//   - Wrap underlying errors with fmt.Errorf("context: %w", err)
type Store interface {
	// SaveRun atomically saves the record of a run, overwriting any
	// existing record with the same ID.
	SaveRun(record *Record) error

	// LoadRun retrieves the record for the given run.
	LoadRun(runID string) (*Record, error)

	// ListRuns returns metadata for all stored runs, newest first.
	ListRuns() ([]RunInfo, error)

	// DeleteRun removes the run record and its trace.
	DeleteRun(runID string) error
}

// NewRunID returns a fresh random run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// ErrNotFound is returned when a requested run does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing run.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return "run not found: " + e.RunID
	}
	return "run not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
