package oracle

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Kind distinguishes the two certificate shapes.
type Kind int

const (
	// Halfspace is {y : a·y ≤ b}.
	Halfspace Kind = iota
	// Hyperplane is {y : a·y = b}.
	Hyperplane
)

func (k Kind) String() string {
	switch k {
	case Halfspace:
		return "halfspace"
	case Hyperplane:
		return "hyperplane"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Certificate is an immutable halfspace or hyperplane. It is itself an
// Oracle.
type Certificate struct {
	kind Kind
	a    []float64
	b    float64
}

// NewHalfspace returns {y : a·y ≤ b}. a is copied.
func NewHalfspace(a []float64, b float64) Certificate {
	return Certificate{kind: Halfspace, a: clone(a), b: b}
}

// NewHyperplane returns {y : a·y = b}. a is copied.
func NewHyperplane(a []float64, b float64) Certificate {
	return Certificate{kind: Hyperplane, a: clone(a), b: b}
}

// Supporting builds the certificate of the given kind that supports a set at
// xStar and separates x0, the point that was projected to xStar:
// a = x0 − x*, b = a·x*. ok is false when the normal is degenerate.
func Supporting(kind Kind, x0, xStar []float64) (Certificate, bool) {
	a := make([]float64, len(x0))
	floats.SubTo(a, x0, xStar)
	if isDegenerate(a, x0) {
		return Certificate{}, false
	}
	return Certificate{kind: kind, a: a, b: floats.Dot(a, xStar)}, true
}

func (c Certificate) Kind() Kind { return c.kind }

// Normal returns a copy of a.
func (c Certificate) Normal() []float64 { return clone(c.a) }

func (c Certificate) Offset() float64 { return c.b }

func (c Certificate) Dim() int { return len(c.a) }

// Equal reports value equality of kind, normal and offset.
func (c Certificate) Equal(o Certificate) bool {
	return c.kind == o.kind && c.b == o.b && floats.Equal(c.a, o.a)
}

// Lift embeds the certificate into R^dim, placing its normal at offset.
func (c Certificate) Lift(dim, offset int) Certificate {
	a := make([]float64, dim)
	copy(a[offset:], c.a)
	return Certificate{kind: c.kind, a: a, b: c.b}
}

// Violation returns a·x − b scaled by 1/‖a‖; for a hyperplane its absolute
// value. Non-positive means x satisfies a halfspace.
func (c Certificate) Violation(x []float64) float64 {
	n := floats.Norm(c.a, 2)
	v := floats.Dot(c.a, x) - c.b
	if n > 0 {
		v /= n
	}
	if c.kind == Hyperplane {
		return math.Abs(v)
	}
	return v
}

func (c Certificate) Contains(x []float64, atol float64) bool {
	return c.Violation(x) <= atol
}

func (c Certificate) Project(_ context.Context, x []float64) ([]float64, error) {
	return c.project(x), nil
}

func (c Certificate) project(x []float64) []float64 {
	out := clone(x)
	nn := floats.Dot(c.a, c.a)
	if nn == 0 {
		return out
	}
	d := floats.Dot(c.a, x) - c.b
	if c.kind == Halfspace && d <= 0 {
		return out
	}
	floats.AddScaled(out, -d/nn, c.a)
	return out
}

// Query on a certificate returns itself as the only certificate whenever x
// is outside.
func (c Certificate) Query(_ context.Context, x []float64) ([]float64, []Certificate, error) {
	xs := c.project(x)
	if _, ok := Supporting(c.kind, x, xs); !ok {
		return clone(x), nil, nil
	}
	return xs, []Certificate{c}, nil
}

func (c Certificate) String() string {
	op := "<="
	if c.kind == Hyperplane {
		op = "="
	}
	return fmt.Sprintf("%v·x %s %g", c.a, op, c.b)
}
