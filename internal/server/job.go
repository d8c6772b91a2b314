// Package server exposes solver runs over HTTP: jobs are submitted as
// experiment files, solved in the background and streamed as server-sent
// events.
package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cwbudde/projmethods/internal/experiment"
	"github.com/cwbudde/projmethods/internal/opt"
	"github.com/google/uuid"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the job has stopped.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job is one solver run.
type Job struct {
	ID        string   `json:"id"`
	State     JobState `json:"state"`
	Problem   string   `json:"problem"`
	Algorithm string   `json:"algorithm"`

	// Experiment is the YAML the job was built from.
	Experiment string `json:"experiment"`

	// Status is the optimizer status once the solve returns.
	Status         string     `json:"status,omitempty"`
	Iterations     int        `json:"iterations"`
	Residual       [2]float64 `json:"residual"`
	Classification string     `json:"classification,omitempty"`

	// RunID is set once the run is stored.
	RunID string `json:"runId,omitempty"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Error     string     `json:"error,omitempty"`

	exp    experiment.Config
	result *opt.Result
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	cancels     map[string]context.CancelFunc
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		cancels:     make(map[string]context.CancelFunc),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob creates a pending job for exp.
func (jm *JobManager) CreateJob(exp experiment.Config) (*Job, error) {
	data, err := exp.Marshal()
	if err != nil {
		return nil, err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:         uuid.New().String(),
		State:      StatePending,
		Problem:    exp.Problem.Name,
		Algorithm:  exp.Algorithm.Name,
		Experiment: string(data),
		StartTime:  time.Now(),
		exp:        exp,
	}

	jm.jobs[job.ID] = job
	snapshot := *job
	return &snapshot, nil
}

// GetJob returns a snapshot of a job.
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	snapshot := *job
	return &snapshot, true
}

// ListJobs returns snapshots of all jobs, oldest first.
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		snapshot := *job
		jobs = append(jobs, &snapshot)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartTime.Before(jobs[j].StartTime)
	})
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	updateFn(job)
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			snapshot := *job
			runningJobs = append(runningJobs, &snapshot)
		}
	}
	return runningJobs
}

// Cancel stops a job. A pending job without a worker is marked cancelled
// directly; a running job stops at its next iteration.
func (jm *JobManager) Cancel(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	if job.State.Terminal() {
		return fmt.Errorf("job %s already %s", id, job.State)
	}
	if cancel, ok := jm.cancels[id]; ok {
		cancel()
		return nil
	}
	endTime := time.Now()
	job.State = StateCancelled
	job.EndTime = &endTime
	return nil
}

func (jm *JobManager) setCancel(id string, cancel context.CancelFunc) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.cancels[id] = cancel
}

func (jm *JobManager) clearCancel(id string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	delete(jm.cancels, id)
}
