package opt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/cwbudde/projmethods/internal/oracle"
	"github.com/cwbudde/projmethods/internal/outer"
	"github.com/cwbudde/projmethods/internal/problem"
	"github.com/cwbudde/projmethods/internal/qp"
)

// fejerSlack is the relative increase of the distance to the optimum
// tolerated by the Fejér check. It covers the projection tolerance.
const fejerSlack = 1e-6

// APOP accelerates projections with an outer polyhedral approximation of
// the intersection. Each step queries both sets, stores the returned
// certificates, projects the intermediate point onto the outer
// approximation, and relaxes toward it:
//
//	averaged:    y = P1(x), z = P0(x), x' = (y + z)/2
//	alternating: y = P1(x), z = P0(y), x' = z
//	x+ = x' + θ(P_outer(x') − x')
type APOP struct {
	Config

	// Average selects the averaged intermediate point.
	Average bool
	// Theta is the relaxation in (0, 2). Zero means 1.
	Theta float64
	// Outer sizes the outer approximation.
	Outer outer.Config
	// Info seeds the outer approximation with known valid certificates.
	Info []oracle.Certificate
	// DataHyperplanes adds up to this many defining hyperplanes per query
	// from sets that expose their linear data.
	DataHyperplanes int
	// Seed drives random eviction, subsampling and hyperplane sampling.
	Seed uint64
	// Projector solves the polyhedral projections. Nil means qp.Default().
	Projector *qp.Projector
	// SkipFejerCheck disables the monotonicity check against the known
	// optimum.
	SkipFejerCheck bool
}

func (a *APOP) Name() string {
	if a.Average {
		return "apop-averaged"
	}
	return "apop"
}

func (a *APOP) theta() float64 {
	if a.Theta == 0 {
		return 1
	}
	return a.Theta
}

func (a *APOP) validate() error {
	if t := a.theta(); !(t > 0 && t < 2) {
		return &ConfigError{Field: "Theta", Reason: fmt.Sprintf("must be in (0, 2), got %g", t)}
	}
	if a.DataHyperplanes < 0 {
		return &ConfigError{Field: "DataHyperplanes", Reason: "cannot be negative"}
	}
	if err := a.Outer.Validate(); err != nil {
		return fmt.Errorf("invalid outer approximation: %w", err)
	}
	return nil
}

// manager builds the outer approximation seeded with Info.
func (a *APOP) manager(dim int) (*outer.Manager, error) {
	m, err := outer.New(dim, a.Outer, a.Projector, rand.New(rand.NewPCG(a.Seed, 1)))
	if err != nil {
		return nil, err
	}
	if err := m.Add(a.Info...); err != nil {
		return nil, &ConfigError{Field: "Info", Reason: err.Error()}
	}
	return m, nil
}

func (a *APOP) Solve(ctx context.Context, p *problem.Problem) (*Result, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	r, x, err := a.Config.begin(ctx, a.Name(), p)
	if err != nil {
		return nil, err
	}
	m, err := a.manager(p.Dimension())
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(a.Seed, 2))
	sets := p.Sets()

	for {
		stop, err := r.observe(x)
		if err != nil || stop {
			return r.finish(err)
		}

		xp, certs, err := a.intermediate(ctx, sets, x, rng)
		if err != nil {
			return r.finish(err)
		}
		if err := m.Add(certs...); err != nil {
			return r.finish(err)
		}
		poly, err := m.Outer()
		if err != nil {
			return r.finish(err)
		}
		nx, err := a.localize(ctx, poly, p, r.iteration(), xp)
		if errors.Is(err, qp.ErrInfeasible) {
			slog.Info("Outer approximation is empty; problem is infeasible",
				"algorithm", a.Name(),
				"iteration", r.iteration(),
				"certificates", m.Canonical().Len(),
			)
			r.result.Status = Infeasible
			return r.finish(nil)
		}
		if err != nil {
			return r.finish(err)
		}
		x = r.next(x, nx)
	}
}

// intermediate computes x' and collects the certificates of both queries.
func (a *APOP) intermediate(ctx context.Context, sets [2]oracle.Oracle, x []float64, rng *rand.Rand) ([]float64, []oracle.Certificate, error) {
	y, cy, err := a.query(ctx, sets[1], x, rng)
	if err != nil {
		return nil, nil, err
	}
	from := y
	if a.Average {
		from = x
	}
	z, cz, err := a.query(ctx, sets[0], from, rng)
	if err != nil {
		return nil, nil, err
	}
	xp := z
	if a.Average {
		xp = midpoint(y, z)
	}
	return xp, append(cy, cz...), nil
}

func (a *APOP) query(ctx context.Context, set oracle.Oracle, x []float64, rng *rand.Rand) ([]float64, []oracle.Certificate, error) {
	y, certs, err := set.Query(ctx, x)
	if err != nil {
		return nil, nil, err
	}
	if src, ok := set.(oracle.DataSource); ok && a.DataHyperplanes > 0 {
		certs = append(certs, src.DataHyperplanes(a.DataHyperplanes, rng)...)
	}
	return y, certs, nil
}

// localize projects xp onto poly, checks Fejér monotonicity against the
// known optimum, and applies the relaxation.
func (a *APOP) localize(ctx context.Context, poly *oracle.Polyhedron, p *problem.Problem, k int, xp []float64) ([]float64, error) {
	xs, err := poly.Project(ctx, xp)
	if err != nil {
		return nil, err
	}
	if !a.SkipFejerCheck && p.HasXOpt() {
		before := p.DistanceToOptimum(xp)
		after := p.DistanceToOptimum(xs)
		if after > before+fejerSlack*math.Max(1, before) {
			return nil, &FejerError{Iteration: k, Before: before, After: after}
		}
	}
	if a.theta() == 1 {
		return xs, nil
	}
	return relax(xp, xs, a.theta()), nil
}

// distanceSum is used by MetaAPOP to rank trajectories.
func distanceSum(r problem.Residual) float64 {
	s := r.Sum()
	if math.IsNaN(s) {
		return math.Inf(1)
	}
	return s
}

// randomStart draws a standard normal point.
func randomStart(rng *rand.Rand, dim int) []float64 {
	x := make([]float64, dim)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	return x
}
