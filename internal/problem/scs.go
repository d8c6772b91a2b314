package problem

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/projmethods/internal/oracle"
)

// SCS is the homogeneous self-dual embedding of the cone program
//
//	minimize c·p  subject to  A p + s = b,  s ∈ K
//
// as a feasibility problem in uv = (u, v) = (p, y, τ, r, s, κ) with
// u ∈ R^n × K* × R+, v ∈ {0}^n × K × R+ (sets[0]) and Qu = v (sets[1]).
type SCS struct {
	*Problem

	n, m int
	a    *mat.Dense
	b, c []float64
	q    *mat.Dense
	cone oracle.Cone
	pOpt []float64
}

// NewSCS builds the embedding. xOpt and pOpt may be nil.
func NewSCS(name string, a *mat.Dense, b, c []float64, k oracle.Cone, xOpt, pOpt []float64) (*SCS, error) {
	m, n := a.Dims()
	if len(b) != m {
		return nil, &ValidationError{Field: "B", Reason: fmt.Sprintf("has %d entries, A has %d rows", len(b), m)}
	}
	if len(c) != n {
		return nil, &ValidationError{Field: "C", Reason: fmt.Sprintf("has %d entries, A has %d columns", len(c), n)}
	}
	if k.Dim() != m {
		return nil, &ValidationError{Field: "Cone", Reason: fmt.Sprintf("has dimension %d, want %d", k.Dim(), m)}
	}

	size := n + m + 1
	q := mat.NewDense(size, size, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			v := a.At(i, j)
			q.Set(j, n+i, v)  // Aᵀ
			q.Set(n+i, j, -v) // −A
		}
		q.Set(n+i, n+m, b[i])
		q.Set(n+m, n+i, -b[i])
	}
	for j := 0; j < n; j++ {
		q.Set(j, n+m, c[j])
		q.Set(n+m, j, -c[j])
	}

	// [Q, −I] uv = 0
	qt := mat.NewDense(size, 2*size, nil)
	qt.Slice(0, size, 0, size).(*mat.Dense).Copy(q)
	for i := 0; i < size; i++ {
		qt.Set(i, size+i, -1)
	}
	affine, err := oracle.NewAffine(qt, make([]float64, size))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding affine set: %w", err)
	}

	product := oracle.NewConeProduct(
		oracle.NewReals(n),
		k.Dual(),
		oracle.NewNonNeg(1),
		oracle.NewZeros(n),
		k,
		oracle.NewNonNeg(1),
	)

	p, err := New(name, []oracle.Oracle{product, affine}, xOpt)
	if err != nil {
		return nil, err
	}
	return &SCS{
		Problem: p,
		n:       n,
		m:       m,
		a:       mat.DenseCopyOf(a),
		b:       append([]float64(nil), b...),
		c:       append([]float64(nil), c...),
		q:       q,
		cone:    k,
		pOpt:    append([]float64(nil), pOpt...),
	}, nil
}

// Q returns a copy of the skew-symmetric embedding matrix.
func (s *SCS) Q() *mat.Dense { return mat.DenseCopyOf(s.q) }

// A returns a copy of the constraint matrix.
func (s *SCS) A() *mat.Dense { return mat.DenseCopyOf(s.a) }

// Cone returns K.
func (s *SCS) Cone() oracle.Cone { return s.cone }

// Vars and Rows return n and m.
func (s *SCS) Vars() int { return s.n }
func (s *SCS) Rows() int { return s.m }

func (s *SCS) P(uv []float64) []float64 { return uv[:s.n] }
func (s *SCS) Y(uv []float64) []float64 { return uv[s.n : s.n+s.m] }
func (s *SCS) Tau(uv []float64) float64 { return uv[s.n+s.m] }
func (s *SCS) R(uv []float64) []float64 { return uv[s.n+s.m+1 : 2*s.n+s.m+1] }
func (s *SCS) S(uv []float64) []float64 { return uv[2*s.n+s.m+1 : 2*s.n+2*s.m+1] }
func (s *SCS) Kappa(uv []float64) float64 { return uv[2*s.n+2*s.m+1] }

// ObjectiveValue is c·p.
func (s *SCS) ObjectiveValue(p []float64) float64 { return floats.Dot(s.c, p) }

// OptimalValue is the objective at the generating optimum, NaN if unknown.
func (s *SCS) OptimalValue() float64 {
	if len(s.pOpt) == 0 {
		return math.NaN()
	}
	return s.ObjectiveValue(s.pOpt)
}

// PrimalSolution recovers p/τ, or nil when τ is not positive.
func (s *SCS) PrimalSolution(uv []float64) []float64 {
	tau := s.Tau(uv)
	if tau <= 0 {
		return nil
	}
	out := make([]float64, s.n)
	floats.ScaleTo(out, 1/tau, s.P(uv))
	return out
}

// Classification interprets an embedding point.
type Classification int

const (
	Indeterminate Classification = iota
	PrimalDualOptimal
	Infeasible
)

func (c Classification) String() string {
	switch c {
	case PrimalDualOptimal:
		return "primal_dual_optimal"
	case Infeasible:
		return "infeasible"
	default:
		return "indeterminate"
	}
}

// Classify reads τ and κ: τ > 0 with κ ≈ 0 certifies optimality, τ ≈ 0
// with κ > 0 certifies infeasibility.
func (s *SCS) Classify(uv []float64) Classification {
	tau, kappa := s.Tau(uv), s.Kappa(uv)
	switch {
	case tau > -1e-6 && math.Abs(kappa) <= 1e-4:
		return PrimalDualOptimal
	case math.Abs(tau) <= 1e-4 && kappa > 1e-6:
		return Infeasible
	default:
		return Indeterminate
	}
}
