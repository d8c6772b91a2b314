package tune

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/cwbudde/projmethods/internal/opt"
	"github.com/cwbudde/projmethods/internal/problem"
)

// failedCost is charged for runs that error out. Costs are log10 of the
// residual, so this stands for a residual of 1e100.
const failedCost = 100

// residualFloor keeps log10 finite for exactly solved runs.
const residualFloor = 1e-16

// Search tunes the APOP relaxation θ and, optionally, the heavy-ball
// momentum (α, β) to minimise the final residual on one problem.
type Search struct {
	Problem *problem.Problem
	// Base is the APOP configuration whose Theta and Momentum are tuned.
	Base opt.APOP
	// Momentum adds α ∈ (0.05, 1.95) and β ∈ [0, 0.95) to the search.
	Momentum bool

	// MaxIters and PopSize configure Mayfly. PopSize must be at least 20.
	MaxIters int
	PopSize  int
	Seed     int64
}

// Params is one point of the search space.
type Params struct {
	Theta    float64       `json:"theta"`
	Momentum *opt.Momentum `json:"momentum,omitempty"`
}

// Outcome is the best point found.
type Outcome struct {
	Params      Params
	Cost        float64 // log10 of the final residual sum
	Evaluations int64
	Elapsed     time.Duration
}

// Residual returns the final residual sum of the best point.
func (o *Outcome) Residual() float64 {
	return math.Pow(10, o.Cost)
}

func (s *Search) validate() error {
	if s.Problem == nil {
		return fmt.Errorf("search problem cannot be nil")
	}
	if s.MaxIters <= 0 {
		return fmt.Errorf("search iterations must be positive, got %d", s.MaxIters)
	}
	if s.PopSize < 20 {
		return fmt.Errorf("search population must be at least 20, got %d", s.PopSize)
	}
	return s.Base.Config.Validate()
}

func (s *Search) dim() int {
	if s.Momentum {
		return 3
	}
	return 1
}

// decode maps a Mayfly position in [0, 1]^dim onto the parameters.
func (s *Search) decode(pos []float64) Params {
	u := func(i int) float64 { return math.Min(1, math.Max(0, pos[i])) }
	p := Params{Theta: 0.05 + 1.9*u(0)}
	if s.Momentum {
		p.Momentum = &opt.Momentum{Alpha: 0.05 + 1.9*u(1), Beta: 0.95 * u(2)}
	}
	return p
}

// Evaluate runs APOP with p and returns log10 of the final residual sum.
func (s *Search) Evaluate(ctx context.Context, p Params) float64 {
	a := s.Base
	a.Theta = p.Theta
	if p.Momentum != nil {
		a.Momentum = p.Momentum
	}
	res, err := a.Solve(ctx, s.Problem)
	if err != nil || res == nil || len(res.Residuals) == 0 {
		slog.Debug("Evaluation failed", "theta", p.Theta, "error", err)
		return failedCost
	}
	sum := res.FinalResidual().Sum()
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return failedCost
	}
	return math.Log10(math.Max(sum, residualFloor))
}

// Run executes the search.
func (s *Search) Run(ctx context.Context) (*Outcome, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}

	slog.Info("Starting hyper-parameter search",
		"problem", s.Problem.Name(),
		"algorithm", s.Base.Name(),
		"dimension", s.dim(),
		"iterations", s.MaxIters,
		"population", s.PopSize,
		"seed", s.Seed,
	)

	start := time.Now()
	var evals atomic.Int64
	eval := func(pos []float64) float64 {
		evals.Add(1)
		if ctx.Err() != nil {
			return failedCost
		}
		return s.Evaluate(ctx, s.decode(pos))
	}

	best, cost, err := minimize(eval, 0, 1, s.dim(), s.MaxIters, s.PopSize, s.Seed)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Outcome{
		Params:      s.decode(best),
		Cost:        cost,
		Evaluations: evals.Load(),
		Elapsed:     time.Since(start),
	}
	slog.Info("Hyper-parameter search complete",
		"theta", out.Params.Theta,
		"cost", out.Cost,
		"evaluations", out.Evaluations,
		"elapsed", out.Elapsed,
	)
	return out, nil
}
