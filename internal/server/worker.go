package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/projmethods/internal/experiment"
	"github.com/cwbudde/projmethods/internal/problem"
	"github.com/cwbudde/projmethods/internal/store"
)

// progressInterval throttles progress events to two per second.
const progressInterval = 500 * time.Millisecond

// runJob solves a job in the background. If runStore is not nil the
// finished run, including a partial one, is stored and its ID recorded on
// the job.
func runJob(ctx context.Context, jm *JobManager, runStore *store.FSStore, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if job.State != StatePending {
		return fmt.Errorf("job %s is %s, not pending", jobID, job.State)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	jm.setCancel(jobID, cancel)
	defer jm.clearCancel(jobID)

	if err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	}); err != nil {
		return err
	}

	slog.Info("Starting job", "job_id", jobID, "problem", job.Problem, "algorithm", job.Algorithm)

	exp := job.exp
	inst, err := exp.BuildProblem(ctx)
	if err != nil {
		err = fmt.Errorf("failed to build problem: %w", err)
		markJobFailed(jm, jobID, err)
		return err
	}

	optimizer, err := exp.BuildOptimizer(experiment.WithProgress(func(k int, r problem.Residual) {
		jm.UpdateJob(jobID, func(j *Job) {
			j.Iterations = k
			j.Residual = r
		})
	}))
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	progressDone := make(chan struct{})
	go monitorProgress(ctx, jm, jobID, progressDone)

	start := time.Now()
	res, solveErr := optimizer.Solve(ctx, inst.Problem)
	elapsed := time.Since(start)
	close(progressDone)

	if res == nil {
		if errors.Is(solveErr, context.Canceled) {
			markJobCancelled(jm, jobID)
			return solveErr
		}
		markJobFailed(jm, jobID, solveErr)
		return solveErr
	}

	classification := ""
	if inst.Embedding != nil && len(res.Iterates) > 0 {
		classification = inst.Embedding.Classify(res.Final()).String()
	}

	runID := ""
	if runStore != nil {
		runID, err = exp.Save(runStore, experiment.Outcome{
			Problem:        inst.Problem,
			Result:         res,
			Err:            solveErr,
			Classification: classification,
			Elapsed:        elapsed,
		})
		if err != nil {
			slog.Error("Failed to store run", "job_id", jobID, "error", err)
		}
	}

	endTime := time.Now()
	var final *Job
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		switch {
		case errors.Is(solveErr, context.Canceled):
			j.State = StateCancelled
		case solveErr != nil:
			j.State = StateFailed
			j.Error = solveErr.Error()
		}
		j.Status = res.Status.String()
		j.Iterations = res.Steps()
		if len(res.Residuals) > 0 {
			j.Residual = res.FinalResidual()
		}
		j.Classification = classification
		j.RunID = runID
		j.EndTime = &endTime
		j.result = res
		snapshot := *j
		final = &snapshot
	})
	if err != nil {
		return err
	}

	slog.Info("Job finished",
		"job_id", jobID,
		"state", final.State,
		"status", final.Status,
		"iterations", final.Iterations,
		"residual_0", final.Residual[0],
		"residual_1", final.Residual[1],
		"elapsed", elapsed,
	)

	jm.broadcaster.Broadcast(eventFor(final))
	return solveErr
}

// monitorProgress periodically broadcasts progress events during a solve
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, done chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}
			jm.broadcaster.Broadcast(eventFor(job))
		}
	}
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(eventFor(job))
	}
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(eventFor(job))
	}
	slog.Info("Job cancelled", "job_id", jobID)
}
