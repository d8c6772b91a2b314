package opt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/projmethods/internal/problem"
)

// run is the bookkeeping shared by all algorithms.
type run struct {
	ctx     context.Context
	name    string
	problem *problem.Problem
	config  Config
	result  *Result
	tracker *StallTracker
	start   time.Time
}

// begin validates c against p and returns the run state and the initial
// iterate.
func (c Config) begin(ctx context.Context, name string, p *problem.Problem) (*run, []float64, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, &ConfigError{Field: "Problem", Reason: "cannot be nil"}
	}
	x, err := c.initial(p.Dimension())
	if err != nil {
		return nil, nil, err
	}

	slog.Info("Starting optimization",
		"algorithm", name,
		"problem", p.Name(),
		"dimension", p.Dimension(),
		"max_iters", c.MaxIters,
		"atol", c.Atol,
	)

	return &run{
		ctx:     ctx,
		name:    name,
		problem: p,
		config:  c,
		result:  &Result{Status: Inaccurate},
		tracker: NewStallTracker(c.Stall),
		start:   time.Now(),
	}, x, nil
}

func (c Config) initial(dim int) ([]float64, error) {
	if c.InitialIterate == nil {
		x := make([]float64, dim)
		for i := range x {
			x[i] = 1
		}
		return x, nil
	}
	if len(c.InitialIterate) != dim {
		return nil, &ConfigError{
			Field:  "InitialIterate",
			Reason: fmt.Sprintf("has dimension %d, problem has %d", len(c.InitialIterate), dim),
		}
	}
	return clone(c.InitialIterate), nil
}

// observe records x and its residual. It returns true when the run should
// stop: x is optimal (and DoAllIters is off), progress has stalled, or the
// iteration budget is spent.
func (r *run) observe(x []float64) (bool, error) {
	if err := r.ctx.Err(); err != nil {
		return true, err
	}
	res, err := r.problem.Residual(r.ctx, x)
	if err != nil {
		return true, err
	}
	return r.record(x, res), nil
}

// record is observe for callers that already know the residual.
func (r *run) record(x []float64, res problem.Residual) bool {
	r.result.Iterates = append(r.result.Iterates, clone(x))
	r.result.Residuals = append(r.result.Residuals, res)
	if r.problem.HasXOpt() {
		r.result.FejerDistances = append(r.result.FejerDistances, r.problem.DistanceToOptimum(x))
	}

	k := len(r.result.Iterates) - 1
	slog.Debug("Iteration",
		"algorithm", r.name,
		"iteration", k,
		"residual_0", res[0],
		"residual_1", res[1],
	)
	if r.config.OnIterate != nil {
		r.config.OnIterate(k, res)
	}

	if res.Optimal(r.config.Atol) {
		if r.result.Status != Optimal {
			slog.Debug("Optimal iterate reached", "algorithm", r.name, "iteration", k)
		}
		r.result.Status = Optimal
		if !r.config.DoAllIters {
			return true
		}
	}
	if r.tracker.Update(res.Sum()) {
		return true
	}
	return k >= r.config.MaxIters
}

// iteration is the index of the last recorded iterate.
func (r *run) iteration() int {
	return len(r.result.Iterates) - 1
}

// previous returns the iterate before the last one, or nil.
func (r *run) previous() []float64 {
	n := len(r.result.Iterates)
	if n < 2 {
		return nil
	}
	return r.result.Iterates[n-2]
}

// next applies momentum (if configured) to the nominal update from x.
func (r *run) next(x, nominal []float64) []float64 {
	m := r.config.Momentum
	if m == nil {
		return nominal
	}
	v := make([]float64, len(x))
	floats.SubTo(v, nominal, x)
	return heavyBall(r.previous(), x, v, m.Alpha, m.Beta)
}

// finish logs the outcome and returns the result with err.
func (r *run) finish(err error) (*Result, error) {
	res := r.result.FinalResidual()
	attrs := []any{
		"algorithm", r.name,
		"status", r.result.Status.String(),
		"iterations", r.result.Steps(),
		"residual_0", res[0],
		"residual_1", res[1],
		"elapsed", time.Since(r.start),
	}
	if err != nil {
		slog.Warn("Optimization aborted", append(attrs, "error", err)...)
		return r.result, err
	}
	slog.Info("Optimization complete", attrs...)
	return r.result, nil
}

// heavyBall returns cur + α·v + β·(cur − prev), or cur + v without a
// previous iterate.
func heavyBall(prev, cur, v []float64, alpha, beta float64) []float64 {
	out := clone(cur)
	if prev == nil {
		floats.Add(out, v)
		return out
	}
	floats.AddScaled(out, alpha, v)
	for i := range out {
		out[i] += beta * (cur[i] - prev[i])
	}
	return out
}

// relax returns from + θ·(to − from).
func relax(from, to []float64, theta float64) []float64 {
	out := clone(from)
	for i := range out {
		out[i] += theta * (to[i] - from[i])
	}
	return out
}

func midpoint(a, b []float64) []float64 {
	out := make([]float64, len(a))
	floats.AddTo(out, a, b)
	floats.Scale(0.5, out)
	return out
}

func clone(x []float64) []float64 {
	return append([]float64(nil), x...)
}
