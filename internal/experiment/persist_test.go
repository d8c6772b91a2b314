package experiment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/projmethods/internal/opt"
	"github.com/cwbudde/projmethods/internal/store"
)

func TestSaveWritesRecordAndTrace(t *testing.T) {
	exp := Defaults()
	exp.Algorithm.Name = "altp"
	exp.Algorithm.MaxIters = 20

	ctx := context.Background()
	inst, err := exp.BuildProblem(ctx)
	require.NoError(t, err)
	o, err := exp.BuildOptimizer()
	require.NoError(t, err)
	res, err := o.Solve(ctx, inst.Problem)
	require.NoError(t, err)

	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	id, err := exp.Save(st, Outcome{Problem: inst.Problem, Result: res, Elapsed: time.Second})
	require.NoError(t, err)

	record, err := st.LoadRun(id)
	require.NoError(t, err)
	assert.Equal(t, "altp", record.Config.Algorithm)
	assert.Equal(t, inst.Problem.Name(), record.Config.Problem)
	assert.Equal(t, res.Steps(), record.Iterations)
	assert.Equal(t, res.Status.String(), record.Status)
	assert.InDeltaSlice(t, res.Final(), record.FinalIterate, 1e-12)
	assert.Equal(t, time.Second, record.Elapsed)
	assert.Empty(t, record.Error)

	// The stored experiment reproduces the run configuration.
	back, err := Parse([]byte(record.Config.Experiment))
	require.NoError(t, err)
	assert.Equal(t, exp, *back)

	entries, err := store.ReadTrace(st.BaseDir(), id)
	require.NoError(t, err)
	require.Len(t, entries, len(res.Residuals))
	for k, e := range entries {
		assert.Equal(t, k, e.Iteration)
		assert.InDelta(t, res.Residuals[k].Sum(), e.Sum(), 1e-12)
		assert.Len(t, e.Iterate, 2)
	}
}

func TestSaveKeepsAbortedRuns(t *testing.T) {
	exp := Defaults()
	inst, err := exp.BuildProblem(context.Background())
	require.NoError(t, err)

	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	runErr := &opt.FejerError{Iteration: 3, Before: 1, After: 2}
	id, err := exp.Save(st, Outcome{Problem: inst.Problem, Result: &opt.Result{}, Err: runErr})
	require.NoError(t, err)

	record, err := st.LoadRun(id)
	require.NoError(t, err)
	assert.Equal(t, runErr.Error(), record.Error)
	assert.Equal(t, [2]float64{0, 0}, record.Residual)
	assert.Equal(t, 0, record.Iterations)

	_, err = exp.Save(st, Outcome{Problem: inst.Problem})
	assert.Error(t, err)
}
