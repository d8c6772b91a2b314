package problem

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/projmethods/internal/oracle"
)

// TwoLines returns the lines m·x − y = 0 and m·x + y = 0 in the plane.
// They meet only at the origin.
func TwoLines(m float64) (*Problem, error) {
	left, err := oracle.NewAffine(mat.NewDense(1, 2, []float64{m, -1}), []float64{0})
	if err != nil {
		return nil, err
	}
	right, err := oracle.NewAffine(mat.NewDense(1, 2, []float64{m, 1}), []float64{0})
	if err != nil {
		return nil, err
	}
	return New(fmt.Sprintf("two-lines(m=%g)", m), []oracle.Oracle{left, right}, []float64{0, 0})
}

// TwoCircles returns the disks of radius r centred at (−r, 0) and (r, 0),
// tangent at the origin.
func TwoCircles(r float64) (*Problem, error) {
	left := oracle.NewBall([]float64{-r, 0}, r)
	right := oracle.NewBall([]float64{r, 0}, r)
	return New(fmt.Sprintf("two-circles(r=%g)", r), []oracle.Oracle{left, right}, []float64{0, 0})
}

// ConvexAffine pairs set with a random affine set {x : Ax = b} through a
// point of set, so the problem is always feasible.
func ConvexAffine(ctx context.Context, rng *rand.Rand, set oracle.Oracle, rows int, density float64) (*Problem, error) {
	n := set.Dim()
	x0 := make([]float64, n)
	for i := range x0 {
		x0[i] = 2*rng.Float64() - 1
	}
	xOpt, err := set.Project(ctx, x0)
	if err != nil {
		return nil, fmt.Errorf("failed to project seed point: %w", err)
	}

	a := randomMatrix(rng, rows, n, density)
	b := make([]float64, rows)
	mat.NewVecDense(rows, b).MulVec(a, mat.NewVecDense(n, xOpt))

	affine, err := oracle.NewAffine(a, b)
	if err != nil {
		return nil, err
	}
	return New(fmt.Sprintf("convex-affine(n=%d,m=%d)", n, rows), []oracle.Oracle{set, affine}, xOpt)
}

// ConeBlock is one factor of a product cone.
type ConeBlock struct {
	Kind string `yaml:"kind" json:"kind"` // nonneg, soc, zeros, reals
	Dim  int    `yaml:"dim" json:"dim"`
}

// NewCone builds the product cone described by blocks.
func NewCone(blocks []ConeBlock) (*oracle.ConeProduct, error) {
	if len(blocks) == 0 {
		return nil, &ValidationError{Field: "Cones", Reason: "cannot be empty"}
	}
	cones := make([]oracle.Cone, len(blocks))
	for i, b := range blocks {
		if b.Dim <= 0 {
			return nil, &ValidationError{Field: fmt.Sprintf("Cones[%d].Dim", i), Reason: "must be positive"}
		}
		switch strings.ToLower(b.Kind) {
		case "nonneg", "nonnegative":
			cones[i] = oracle.NewNonNeg(b.Dim)
		case "soc":
			cones[i] = oracle.NewSOC(b.Dim)
		case "zeros", "zero":
			cones[i] = oracle.NewZeros(b.Dim)
		case "reals", "free":
			cones[i] = oracle.NewReals(b.Dim)
		default:
			return nil, &ValidationError{Field: fmt.Sprintf("Cones[%d].Kind", i), Reason: fmt.Sprintf("unknown cone %q", b.Kind)}
		}
	}
	return oracle.NewConeProduct(cones...), nil
}

// RandomConeProgram generates a feasible cone program with n variables and
// its self-dual embedding. s and y come from the Moreau decomposition of a
// random z, so (p, y, 1, 0, s, 0) solves the embedding.
func RandomConeProgram(ctx context.Context, rng *rand.Rand, blocks []ConeBlock, n int, density float64) (*SCS, error) {
	k, err := NewCone(blocks)
	if err != nil {
		return nil, err
	}
	m := k.Dim()
	if n <= 0 || n > m {
		return nil, &ValidationError{Field: "Vars", Reason: fmt.Sprintf("must be in [1, %d], got %d", m, n)}
	}

	z := make([]float64, m)
	for i := range z {
		z[i] = rng.NormFloat64()
	}
	s, err := k.Project(ctx, z)
	if err != nil {
		return nil, err
	}
	y := make([]float64, m)
	floats.SubTo(y, s, z)

	a := randomMatrix(rng, m, n, density)
	p := make([]float64, n)
	for i := range p {
		p[i] = rng.NormFloat64()
	}

	// b = A p + s, c = −Aᵀ y
	b := make([]float64, m)
	mat.NewVecDense(m, b).MulVec(a, mat.NewVecDense(n, p))
	floats.Add(b, s)
	c := make([]float64, n)
	mat.NewVecDense(n, c).MulVec(a.T(), mat.NewVecDense(m, y))
	floats.Scale(-1, c)

	xOpt := make([]float64, 0, 2*(n+m+1))
	xOpt = append(xOpt, p...)
	xOpt = append(xOpt, y...)
	xOpt = append(xOpt, 1)
	xOpt = append(xOpt, make([]float64, n)...)
	xOpt = append(xOpt, s...)
	xOpt = append(xOpt, 0)

	return NewSCS(fmt.Sprintf("cone-program(n=%d,m=%d)", n, m), a, b, c, k, xOpt, p)
}

// randomMatrix draws each entry from N(0, 1) with probability density and
// sets it to zero otherwise. A density outside (0, 1] means dense.
func randomMatrix(rng *rand.Rand, rows, cols int, density float64) *mat.Dense {
	if density <= 0 || density > 1 {
		density = 1
	}
	a := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if rng.Float64() < density {
				a.Set(i, j, rng.NormFloat64())
			}
		}
	}
	return a
}
