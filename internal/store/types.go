package store

import (
	"time"
)

// RunConfig is the configuration snapshot of a run. It is a flat copy so
// the store does not depend on the optimizer packages.
type RunConfig struct {
	Problem   string  `json:"problem"`
	Algorithm string  `json:"algorithm"`
	MaxIters  int     `json:"maxIters"`
	Atol      float64 `json:"atol"`
	Seed      uint64  `json:"seed"`
	// Experiment holds the YAML experiment the run was built from, if any.
	Experiment string `json:"experiment,omitempty"`
}

// Record is the persisted outcome of one run.
type Record struct {
	// ID is the unique identifier of the run
	ID string `json:"id"`

	Config RunConfig `json:"config"`

	// Status is the terminal status (optimal, inaccurate, infeasible)
	Status string `json:"status"`

	// Iterations is the number of steps taken
	Iterations int `json:"iterations"`

	// Residual is (d(x, C0), d(x, C1)) at the final iterate
	Residual [2]float64 `json:"residual"`

	FinalIterate []float64 `json:"finalIterate"`

	// Classification is set for cone program embeddings
	Classification string `json:"classification,omitempty"`

	// Error records why the run aborted, if it did
	Error string `json:"error,omitempty"`

	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}

// RunInfo contains the metadata shown when listing runs.
type RunInfo struct {
	ID         string    `json:"id"`
	Problem    string    `json:"problem"`
	Algorithm  string    `json:"algorithm"`
	Status     string    `json:"status"`
	Iterations int       `json:"iterations"`
	Residual   float64   `json:"residual"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewRecord creates a record stamped with the current time.
func NewRecord(id string, config RunConfig, status string, iterations int, residual [2]float64, final []float64) *Record {
	return &Record{
		ID:           id,
		Config:       config,
		Status:       status,
		Iterations:   iterations,
		Residual:     residual,
		FinalIterate: final,
		Timestamp:    time.Now(),
	}
}

// ToInfo converts a Record to RunInfo. Residual is the sum of both
// distances.
func (r *Record) ToInfo() RunInfo {
	return RunInfo{
		ID:         r.ID,
		Problem:    r.Config.Problem,
		Algorithm:  r.Config.Algorithm,
		Status:     r.Status,
		Iterations: r.Iterations,
		Residual:   r.Residual[0] + r.Residual[1],
		Timestamp:  r.Timestamp,
	}
}

// Validate checks that the record has the fields needed to list and plot it.
func (r *Record) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "ID", Reason: "cannot be empty"}
	}
	if r.Config.Problem == "" {
		return &ValidationError{Field: "Config.Problem", Reason: "cannot be empty"}
	}
	if r.Config.Algorithm == "" {
		return &ValidationError{Field: "Config.Algorithm", Reason: "cannot be empty"}
	}
	if r.Config.MaxIters <= 0 {
		return &ValidationError{Field: "Config.MaxIters", Reason: "must be positive"}
	}
	if r.Iterations < 0 {
		return &ValidationError{Field: "Iterations", Reason: "cannot be negative"}
	}
	if r.Residual[0] < 0 || r.Residual[1] < 0 {
		return &ValidationError{Field: "Residual", Reason: "cannot be negative"}
	}
	if r.Status == "" {
		return &ValidationError{Field: "Status", Reason: "cannot be empty"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	return nil
}

// ValidationError represents a record validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}
