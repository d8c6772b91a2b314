package oracle

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
)

// NonNeg is the nonnegative orthant. It is self-dual.
type NonNeg struct{ n int }

func NewNonNeg(n int) *NonNeg { return &NonNeg{n: n} }

func (c *NonNeg) Dim() int   { return c.n }
func (c *NonNeg) Dual() Cone { return c }

func (c *NonNeg) Project(_ context.Context, x []float64) ([]float64, error) {
	out := clone(x)
	for i, v := range out {
		if v < 0 {
			out[i] = 0
		}
	}
	return out, nil
}

func (c *NonNeg) Contains(x []float64, atol float64) bool {
	return distanceContains(c, x, atol)
}

func (c *NonNeg) Query(ctx context.Context, x []float64) ([]float64, []Certificate, error) {
	return supportingQuery(ctx, c, Halfspace, x)
}

// Reals is all of R^n. Its dual is Zeros.
type Reals struct{ n int }

func NewReals(n int) *Reals { return &Reals{n: n} }

func (c *Reals) Dim() int   { return c.n }
func (c *Reals) Dual() Cone { return NewZeros(c.n) }

func (c *Reals) Project(_ context.Context, x []float64) ([]float64, error) {
	return clone(x), nil
}

func (c *Reals) Contains([]float64, float64) bool { return true }

func (c *Reals) Query(_ context.Context, x []float64) ([]float64, []Certificate, error) {
	return clone(x), nil, nil
}

// Zeros is the cone {0}. Its dual is Reals.
type Zeros struct{ n int }

func NewZeros(n int) *Zeros { return &Zeros{n: n} }

func (c *Zeros) Dim() int   { return c.n }
func (c *Zeros) Dual() Cone { return NewReals(c.n) }

func (c *Zeros) Project(_ context.Context, x []float64) ([]float64, error) {
	return make([]float64, len(x)), nil
}

func (c *Zeros) Contains(x []float64, atol float64) bool {
	return floats.Norm(x, 2) <= atol
}

// Query returns the hyperplane x0·y = 0, which contains the origin.
func (c *Zeros) Query(ctx context.Context, x []float64) ([]float64, []Certificate, error) {
	return supportingQuery(ctx, c, Hyperplane, x)
}

// SOC is the second-order cone {(y, t) : ‖y‖ ≤ t}; t is the last
// coordinate. It is self-dual.
type SOC struct{ n int }

func NewSOC(n int) *SOC { return &SOC{n: n} }

func (c *SOC) Dim() int   { return c.n }
func (c *SOC) Dual() Cone { return c }

func (c *SOC) Project(_ context.Context, x []float64) ([]float64, error) {
	n := len(x)
	if n == 0 {
		return nil, nil
	}
	y, t := x[:n-1], x[n-1]
	ny := floats.Norm(y, 2)
	switch {
	case ny <= t:
		return clone(x), nil
	case ny <= -t:
		return make([]float64, n), nil
	}
	alpha := (ny + t) / 2
	out := make([]float64, n)
	floats.ScaleTo(out[:n-1], alpha/ny, y)
	out[n-1] = alpha
	return out, nil
}

func (c *SOC) Contains(x []float64, atol float64) bool {
	return distanceContains(c, x, atol)
}

func (c *SOC) Query(ctx context.Context, x []float64) ([]float64, []Certificate, error) {
	return supportingQuery(ctx, c, Halfspace, x)
}

// Ball is the closed Euclidean ball of the given radius around center.
type Ball struct {
	center []float64
	radius float64
}

func NewBall(center []float64, radius float64) *Ball {
	return &Ball{center: clone(center), radius: math.Abs(radius)}
}

func (b *Ball) Dim() int { return len(b.center) }

func (b *Ball) Project(_ context.Context, x []float64) ([]float64, error) {
	d := floats.Distance(x, b.center, 2)
	if d <= b.radius {
		return clone(x), nil
	}
	out := make([]float64, len(x))
	floats.SubTo(out, x, b.center)
	floats.Scale(b.radius/d, out)
	floats.Add(out, b.center)
	return out, nil
}

func (b *Ball) Contains(x []float64, atol float64) bool {
	return floats.Distance(x, b.center, 2) <= b.radius+atol
}

func (b *Ball) Query(ctx context.Context, x []float64) ([]float64, []Certificate, error) {
	return supportingQuery(ctx, b, Halfspace, x)
}
