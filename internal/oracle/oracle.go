// Package oracle provides convex set oracles: sets that can project a point,
// test membership, and answer a query with the projection together with
// separating certificates (halfspaces or hyperplanes) that contain the set
// but cut off the query point.
package oracle

import (
	"context"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// DegenerateNormal is the relative size below which a separating normal
// x0 − x* is treated as zero. Such a query point counts as contained and no
// certificate is produced.
const DegenerateNormal = 1e-12

// Oracle is a closed convex set in R^Dim().
type Oracle interface {
	Dim() int
	// Project returns the Euclidean projection of x onto the set. The input
	// is never modified.
	Project(ctx context.Context, x []float64) ([]float64, error)
	// Contains reports whether x lies within distance atol of the set.
	Contains(x []float64, atol float64) bool
	// Query returns the projection of x and zero or more certificates. When
	// x is (numerically) in the set the result is (x, nil).
	Query(ctx context.Context, x []float64) ([]float64, []Certificate, error)
}

// Cone is an Oracle for a closed convex cone that knows its dual cone.
type Cone interface {
	Oracle
	Dual() Cone
}

// DataSource is implemented by sets described by explicit linear data. It
// hands out some of its defining hyperplanes directly.
type DataSource interface {
	DataHyperplanes(k int, rng *rand.Rand) []Certificate
}

// supportingQuery is the query shared by every projectable set: project, then
// build the supporting certificate at the projection.
func supportingQuery(ctx context.Context, o Oracle, kind Kind, x []float64) ([]float64, []Certificate, error) {
	xs, err := o.Project(ctx, x)
	if err != nil {
		return nil, nil, err
	}
	c, ok := Supporting(kind, x, xs)
	if !ok {
		return clone(x), nil, nil
	}
	return xs, []Certificate{c}, nil
}

// distanceContains is Contains for sets with a cheap exact projection.
func distanceContains(o Oracle, x []float64, atol float64) bool {
	xs, err := o.Project(context.Background(), x)
	if err != nil {
		return false
	}
	return floats.Distance(x, xs, 2) <= atol
}

func clone(x []float64) []float64 {
	return append([]float64(nil), x...)
}

func isDegenerate(a, x0 []float64) bool {
	return floats.Norm(a, 2) <= DegenerateNormal*math.Max(1, floats.Norm(x0, 2))
}
