// Package opt implements iterative projection algorithms for two-set convex
// feasibility problems. Every algorithm is the same state machine: observe
// the current iterate, stop if it is optimal or the budget is spent, else
// compute the next iterate.
package opt

import (
	"context"
	"fmt"
	"math"

	"github.com/cwbudde/projmethods/internal/problem"
)

// Optimizer defines an iterative projection algorithm.
type Optimizer interface {
	// Name identifies the algorithm in logs and stored runs.
	Name() string

	// Solve runs the algorithm on p. Configuration errors are returned
	// before any iteration with a nil result. Numerical and consistency
	// failures are returned together with the partial result computed so
	// far.
	Solve(ctx context.Context, p *problem.Problem) (*Result, error)
}

// Status is the terminal state of a run.
type Status int

const (
	// Inaccurate means the budget ran out (or progress stalled) first.
	Inaccurate Status = iota
	// Optimal means some iterate had both distances within Atol.
	Optimal
	// Infeasible means the accumulated certificates admit no point.
	Infeasible
)

func (s Status) String() string {
	switch s {
	case Optimal:
		return "optimal"
	case Infeasible:
		return "infeasible"
	default:
		return "inaccurate"
	}
}

// Result holds a run's history. Residuals[k] belongs to Iterates[k].
// FejerDistances[k] = ‖Iterates[k] − xOpt‖ and is empty when the problem
// has no known optimum.
type Result struct {
	Iterates       [][]float64
	Residuals      []problem.Residual
	FejerDistances []float64
	Status         Status
}

// Final returns the last iterate, or nil for an empty result.
func (r *Result) Final() []float64 {
	if r == nil || len(r.Iterates) == 0 {
		return nil
	}
	return r.Iterates[len(r.Iterates)-1]
}

// FinalResidual returns the residual of the last iterate.
func (r *Result) FinalResidual() problem.Residual {
	if r == nil || len(r.Residuals) == 0 {
		return problem.Residual{math.Inf(1), math.Inf(1)}
	}
	return r.Residuals[len(r.Residuals)-1]
}

// Steps is the number of iterations taken.
func (r *Result) Steps() int {
	if r == nil || len(r.Iterates) == 0 {
		return 0
	}
	return len(r.Iterates) - 1
}

// Momentum configures the heavy-ball update
// x+ = x + Alpha·(nominal − x) + Beta·(x − x_prev).
type Momentum struct {
	Alpha float64 `yaml:"alpha" json:"alpha"`
	Beta  float64 `yaml:"beta" json:"beta"`
}

// DefaultMomentum returns α = 0.8, β = 0.2.
func DefaultMomentum() *Momentum {
	return &Momentum{Alpha: 0.8, Beta: 0.2}
}

// Config is shared by every algorithm.
type Config struct {
	// MaxIters is the iteration budget; it must be positive.
	MaxIters int
	// Atol is the residual tolerance for both distances.
	Atol float64
	// DoAllIters keeps iterating after the first optimal iterate.
	DoAllIters bool
	// InitialIterate defaults to the all-ones vector.
	InitialIterate []float64
	// Momentum enables heavy-ball updates where the algorithm supports them.
	Momentum *Momentum
	// Stall stops a run early once the residual stops improving.
	Stall StallConfig
	// OnIterate, if set, is called with every recorded residual on the
	// solving goroutine.
	OnIterate func(iteration int, r problem.Residual)
}

// DefaultConfig returns 100 iterations at tolerance 1e-4.
func DefaultConfig() Config {
	return Config{
		MaxIters: 100,
		Atol:     1e-4,
	}
}

// Validate checks the shared settings.
func (c Config) Validate() error {
	if c.MaxIters <= 0 {
		return &ConfigError{Field: "MaxIters", Reason: "must be positive"}
	}
	if c.Atol < 0 || math.IsNaN(c.Atol) {
		return &ConfigError{Field: "Atol", Reason: "cannot be negative"}
	}
	if m := c.Momentum; m != nil {
		if !(m.Alpha > 0) || math.IsInf(m.Alpha, 0) {
			return &ConfigError{Field: "Momentum.Alpha", Reason: "must be positive"}
		}
		if !(m.Beta >= 0) || math.IsInf(m.Beta, 0) {
			return &ConfigError{Field: "Momentum.Beta", Reason: "cannot be negative"}
		}
	}
	if c.Stall.Enabled {
		if c.Stall.Patience <= 0 {
			return &ConfigError{Field: "Stall.Patience", Reason: "must be positive"}
		}
		if c.Stall.Threshold < 0 {
			return &ConfigError{Field: "Stall.Threshold", Reason: "cannot be negative"}
		}
	}
	return nil
}

// IsOptimal reports whether both residual components are within atol.
func IsOptimal(r problem.Residual, atol float64) bool {
	return r.Optimal(atol)
}

// ConfigError reports an invalid optimizer configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "optimizer config error: " + e.Field + " " + e.Reason
}

// ErrInvalidConfig matches every *ConfigError.
var ErrInvalidConfig = &ConfigError{}

func (e *ConfigError) Is(target error) bool {
	_, ok := target.(*ConfigError)
	return ok
}

// FejerError reports that a projection onto the outer approximation moved
// the iterate away from the known optimum, which cannot happen when every
// certificate is valid.
type FejerError struct {
	Iteration int
	Before    float64
	After     float64
}

func (e *FejerError) Error() string {
	return fmt.Sprintf("localization step is not Fejer monotone at iteration %d: distance to optimum increased from %e to %e",
		e.Iteration, e.Before, e.After)
}

// ErrFejer matches every *FejerError.
var ErrFejer = &FejerError{}

func (e *FejerError) Is(target error) bool {
	_, ok := target.(*FejerError)
	return ok
}
