package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Affine is the set {x : Ax = b}. Projections use the pseudo-inverse of A,
// computed once from its SVD, so a rank deficient A is fine. For an
// inconsistent system the projection lands on the least squares set.
type Affine struct {
	a    *mat.Dense
	b    []float64
	pinv *mat.Dense
}

// NewAffine copies A and b.
func NewAffine(a mat.Matrix, b []float64) (*Affine, error) {
	m, n := a.Dims()
	if m == 0 || n == 0 {
		return nil, errors.New("affine set needs a non-empty matrix")
	}
	if len(b) != m {
		return nil, fmt.Errorf("affine set: A has %d rows but b has %d entries", m, len(b))
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errors.New("affine set: SVD of A failed")
	}
	s := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := 1e-12 * float64(max(m, n)) * s[0]
	k := len(s)
	inv := mat.NewDense(k, k, nil)
	for i, sv := range s {
		if sv > cutoff {
			inv.Set(i, i, 1/sv)
		}
	}
	// pinv = V Σ⁺ Uᵀ
	var tmp, pinv mat.Dense
	tmp.Mul(&v, inv)
	pinv.Mul(&tmp, u.T())

	return &Affine{
		a:    mat.DenseCopyOf(a),
		b:    clone(b),
		pinv: &pinv,
	}, nil
}

func (s *Affine) Dim() int {
	_, n := s.a.Dims()
	return n
}

// Rows is the number of equations.
func (s *Affine) Rows() int {
	m, _ := s.a.Dims()
	return m
}

// A returns a copy of the constraint matrix.
func (s *Affine) A() *mat.Dense { return mat.DenseCopyOf(s.a) }

// B returns a copy of the right hand side.
func (s *Affine) B() []float64 { return clone(s.b) }

func (s *Affine) Project(_ context.Context, x []float64) ([]float64, error) {
	m, n := s.a.Dims()
	if len(x) != n {
		return nil, fmt.Errorf("affine set: point has dimension %d, want %d", len(x), n)
	}
	r := make([]float64, m)
	mat.NewVecDense(m, r).MulVec(s.a, mat.NewVecDense(n, x))
	floats.Sub(r, s.b)

	corr := make([]float64, n)
	mat.NewVecDense(n, corr).MulVec(s.pinv, mat.NewVecDense(m, r))

	out := clone(x)
	floats.Sub(out, corr)
	return out, nil
}

func (s *Affine) Contains(x []float64, atol float64) bool {
	return distanceContains(s, x, atol)
}

// Query returns a hyperplane certificate: the whole affine set lies on it.
func (s *Affine) Query(ctx context.Context, x []float64) ([]float64, []Certificate, error) {
	return supportingQuery(ctx, s, Hyperplane, x)
}

// DataHyperplanes returns k rows of [A | b], chosen uniformly without
// replacement, as hyperplanes. All rows are returned when k ≥ Rows().
func (s *Affine) DataHyperplanes(k int, rng *rand.Rand) []Certificate {
	m, _ := s.a.Dims()
	if k <= 0 {
		return nil
	}
	idx := make([]int, m)
	for i := range idx {
		idx[i] = i
	}
	if k < m {
		if rng == nil {
			rng = rand.New(rand.NewPCG(0, 0))
		}
		idx = rng.Perm(m)[:k]
	}
	out := make([]Certificate, 0, len(idx))
	for _, i := range idx {
		row := mat.Row(nil, i, s.a)
		if floats.Norm(row, 2) == 0 {
			continue
		}
		out = append(out, Certificate{kind: Hyperplane, a: row, b: s.b[i]})
	}
	return out
}
