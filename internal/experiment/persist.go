package experiment

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/projmethods/internal/opt"
	"github.com/cwbudde/projmethods/internal/problem"
	"github.com/cwbudde/projmethods/internal/store"
)

// maxTracedDim bounds the dimension for which iterates are written to the
// trace.
const maxTracedDim = 16

// Outcome is what a solved experiment leaves behind.
type Outcome struct {
	Problem        *problem.Problem
	Result         *opt.Result
	Err            error
	Classification string
	Elapsed        time.Duration
}

// Save writes the trace and then the record of a run and returns the new
// run ID. Aborted runs are stored with their partial history and error.
func (c *Config) Save(st *store.FSStore, out Outcome) (string, error) {
	if out.Result == nil {
		return "", fmt.Errorf("cannot save a run without a result")
	}
	res := out.Result
	id := store.NewRunID()

	tw, err := store.NewTraceWriter(st.BaseDir(), id, false)
	if err != nil {
		return "", err
	}
	now := time.Now()
	for k, r := range res.Residuals {
		entry := store.TraceEntry{Iteration: k, Residual: [2]float64(r), Timestamp: now}
		if k < len(res.FejerDistances) {
			entry.Fejer = res.FejerDistances[k]
		}
		if out.Problem.Dimension() <= maxTracedDim && k < len(res.Iterates) {
			entry.Iterate = res.Iterates[k]
		}
		if err := tw.Write(entry); err != nil {
			tw.Close()
			return "", err
		}
	}
	if err := tw.Close(); err != nil {
		return "", err
	}

	experimentYAML, err := c.Marshal()
	if err != nil {
		return "", err
	}

	// An empty result has an infinite residual, which JSON cannot encode.
	var residual [2]float64
	if len(res.Residuals) > 0 {
		residual = [2]float64(res.FinalResidual())
	}

	record := store.NewRecord(id, store.RunConfig{
		Problem:    out.Problem.Name(),
		Algorithm:  c.Algorithm.Name,
		MaxIters:   c.Algorithm.MaxIters,
		Atol:       c.Algorithm.Atol,
		Seed:       c.Seed,
		Experiment: string(experimentYAML),
	}, res.Status.String(), res.Steps(), residual, res.Final())
	record.Classification = out.Classification
	record.Elapsed = out.Elapsed
	if out.Err != nil {
		record.Error = out.Err.Error()
	}

	if err := st.SaveRun(record); err != nil {
		return "", fmt.Errorf("failed to save run: %w", err)
	}
	slog.Info("Saved run", "run_id", id, "dir", st.RunDir(id))
	return id, nil
}
