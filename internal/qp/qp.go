// Package qp projects points onto polyhedra given by linear equalities and
// inequalities. It is the numerical backend behind oracle.Polyhedron.
package qp

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Row is a single linear constraint on x: a·x = b or a·x ≤ b depending on
// which list of Constraints holds it.
type Row struct {
	A []float64
	B float64
}

// Constraints describes the polyhedron {x : Eq rows hold with equality,
// Ineq rows hold as a·x ≤ b}.
type Constraints struct {
	Eq   []Row
	Ineq []Row
}

// Empty reports whether there are no constraints at all.
func (c Constraints) Empty() bool {
	return len(c.Eq) == 0 && len(c.Ineq) == 0
}

// Violation returns the largest constraint violation at x, measured in
// distance units (each row is scaled by 1/‖a‖). Rows with a zero normal are
// skipped.
func (c Constraints) Violation(x []float64) float64 {
	var worst float64
	for _, r := range c.Eq {
		n := floats.Norm(r.A, 2)
		if n == 0 {
			continue
		}
		worst = math.Max(worst, math.Abs(floats.Dot(r.A, x)-r.B)/n)
	}
	for _, r := range c.Ineq {
		n := floats.Norm(r.A, 2)
		if n == 0 {
			continue
		}
		worst = math.Max(worst, (floats.Dot(r.A, x)-r.B)/n)
	}
	return worst
}

// Method computes argmin ½‖x − x0‖² over a polyhedron. Implementations must
// return an error rather than a point that violates the constraints by more
// than tol (scaled by the magnitude of x0).
type Method interface {
	Name() string
	Solve(ctx context.Context, x0 []float64, c Constraints, tol float64) ([]float64, error)
}

var (
	// ErrNotConverged is returned by a Method that could not certify the
	// requested tolerance within its iteration budget.
	ErrNotConverged = errors.New("projection did not converge")

	// ErrInfeasible is returned when the constraints admit no point.
	ErrInfeasible = errors.New("constraints are infeasible")

	// ErrSolverFailed matches every *SolverError.
	ErrSolverFailed = &SolverError{}
)

// SolverError is returned by Projector.Project once every method and
// tolerance has been exhausted.
type SolverError struct {
	Attempts int
	Err      error
}

func (e *SolverError) Error() string {
	if e.Err == nil {
		return "projection solver failed"
	}
	return fmt.Sprintf("projection solver failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SolverError) Unwrap() error { return e.Err }

func (e *SolverError) Is(target error) bool {
	_, ok := target.(*SolverError)
	return ok
}

// normalized returns the rows scaled to unit normals. Zero rows are checked
// for consistency and dropped.
func normalized(rows []Row, equality bool, tol float64) ([]Row, error) {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		n := floats.Norm(r.A, 2)
		if n == 0 {
			if (equality && math.Abs(r.B) > tol) || (!equality && r.B < -tol) {
				return nil, ErrInfeasible
			}
			continue
		}
		a := make([]float64, len(r.A))
		floats.ScaleTo(a, 1/n, r.A)
		out = append(out, Row{A: a, B: r.B / n})
	}
	return out, nil
}

func scaleOf(x []float64) float64 {
	if len(x) == 0 {
		return 1
	}
	return math.Max(1, floats.Norm(x, math.Inf(1)))
}
