package qp

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Hildreth projects by cyclic coordinate ascent on the dual of the
// projection problem. It is slower than LDP but needs no factorizations, so
// it survives the ill-conditioned cases where the active set method stalls.
type Hildreth struct {
	// MaxSweeps bounds the number of passes over all rows. Zero means 20000.
	MaxSweeps int
}

func (Hildreth) Name() string { return "hildreth" }

func (h Hildreth) Solve(ctx context.Context, x0 []float64, c Constraints, tol float64) ([]float64, error) {
	scale := scaleOf(x0)
	eq, err := normalized(c.Eq, true, tol)
	if err != nil {
		return nil, err
	}
	ineq, err := normalized(c.Ineq, false, tol)
	if err != nil {
		return nil, err
	}
	all := Constraints{Eq: eq, Ineq: ineq}

	x := append([]float64(nil), x0...)
	lambdaEq := make([]float64, len(eq))
	lambdaIn := make([]float64, len(ineq))

	sweeps := h.MaxSweeps
	if sweeps <= 0 {
		sweeps = 20000
	}
	for sweep := 0; sweep < sweeps; sweep++ {
		if sweep%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var moved float64
		for i, r := range eq {
			d := floats.Dot(r.A, x) - r.B
			floats.AddScaled(x, -d, r.A)
			lambdaEq[i] += d
			moved = math.Max(moved, math.Abs(d))
		}
		for i, r := range ineq {
			next := math.Max(0, lambdaIn[i]+floats.Dot(r.A, x)-r.B)
			delta := next - lambdaIn[i]
			if delta == 0 {
				continue
			}
			floats.AddScaled(x, -delta, r.A)
			lambdaIn[i] = next
			moved = math.Max(moved, math.Abs(delta))
		}
		if moved <= tol*scale && all.Violation(x) <= tol*scale {
			return x, nil
		}
	}
	return nil, ErrNotConverged
}
