// Package problem describes two-set convex feasibility problems and
// generates test instances.
package problem

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/projmethods/internal/oracle"
)

// Problem asks for a point in sets[0] ∩ sets[1]. It is immutable.
type Problem struct {
	name string
	sets [2]oracle.Oracle
	xOpt []float64
	dim  int
}

// New validates that exactly two sets of equal dimension are given. xOpt, a
// known point of the intersection used for diagnostics, may be nil.
func New(name string, sets []oracle.Oracle, xOpt []float64) (*Problem, error) {
	if len(sets) != 2 {
		return nil, &ValidationError{Field: "Sets", Reason: fmt.Sprintf("need exactly 2 sets, got %d", len(sets))}
	}
	for i, s := range sets {
		if s == nil {
			return nil, &ValidationError{Field: fmt.Sprintf("Sets[%d]", i), Reason: "cannot be nil"}
		}
	}
	if sets[0].Dim() != sets[1].Dim() {
		return nil, &ValidationError{
			Field:  "Sets",
			Reason: fmt.Sprintf("dimension mismatch: %d vs %d", sets[0].Dim(), sets[1].Dim()),
		}
	}
	dim := sets[0].Dim()
	if xOpt != nil {
		if len(xOpt) != dim {
			return nil, &ValidationError{
				Field:  "XOpt",
				Reason: fmt.Sprintf("has dimension %d, sets have %d", len(xOpt), dim),
			}
		}
		dim = len(xOpt)
	}
	if dim <= 0 {
		return nil, &ValidationError{Field: "Dimension", Reason: "must be positive"}
	}
	return &Problem{
		name: name,
		sets: [2]oracle.Oracle{sets[0], sets[1]},
		xOpt: append([]float64(nil), xOpt...),
		dim:  dim,
	}, nil
}

func (p *Problem) Name() string { return p.name }

func (p *Problem) Dimension() int { return p.dim }

// Sets returns the two sets.
func (p *Problem) Sets() [2]oracle.Oracle { return p.sets }

// XOpt returns a copy of the known optimal point, or nil.
func (p *Problem) XOpt() []float64 {
	if len(p.xOpt) == 0 {
		return nil
	}
	return append([]float64(nil), p.xOpt...)
}

func (p *Problem) HasXOpt() bool { return len(p.xOpt) > 0 }

// DistanceToOptimum returns ‖x − xOpt‖, or NaN without a known optimum.
func (p *Problem) DistanceToOptimum(x []float64) float64 {
	if !p.HasXOpt() {
		return math.NaN()
	}
	return floats.Distance(x, p.xOpt, 2)
}

// Residual returns the distances from x to both sets.
func (p *Problem) Residual(ctx context.Context, x []float64) (Residual, error) {
	var r Residual
	for i, s := range p.sets {
		xs, err := s.Project(ctx, x)
		if err != nil {
			return r, fmt.Errorf("failed to compute residual for set %d: %w", i, err)
		}
		r[i] = floats.Distance(x, xs, 2)
	}
	return r, nil
}

// Residual holds the unsquared distances (d(x, C0), d(x, C1)).
type Residual [2]float64

// Optimal reports whether both distances are within atol.
func (r Residual) Optimal(atol float64) bool {
	return r[0] <= atol && r[1] <= atol
}

func (r Residual) Sum() float64 { return r[0] + r[1] }

func (r Residual) Max() float64 { return math.Max(r[0], r[1]) }

// ValidationError reports an invalid problem description.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "problem validation error: " + e.Field + " " + e.Reason
}

// ErrInvalid matches every *ValidationError.
var ErrInvalid = &ValidationError{}

func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}
