package opt

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/cwbudde/projmethods/internal/oracle"
	"github.com/cwbudde/projmethods/internal/problem"
)

// AlternatingProjections projects onto sets[0] on even steps and sets[1]
// on odd steps.
//
// With PlaneSearch ≥ 2 each step first moves to the point of the affine
// span of the last PlaneSearch iterates lying in the opposite set that is
// closest to the target set, then projects. The search is a local
// heuristic and gives up monotonicity guarantees.
type AlternatingProjections struct {
	Config
	PlaneSearch int
}

func (a *AlternatingProjections) Name() string { return "alternating" }

func (a *AlternatingProjections) Solve(ctx context.Context, p *problem.Problem) (*Result, error) {
	if a.PlaneSearch < 0 {
		return nil, &ConfigError{Field: "PlaneSearch", Reason: "cannot be negative"}
	}
	r, x, err := a.Config.begin(ctx, a.Name(), p)
	if err != nil {
		return nil, err
	}
	sets := p.Sets()
	var landed [2][][]float64

	for k := 0; ; k++ {
		stop, err := r.observe(x)
		if err != nil || stop {
			return r.finish(err)
		}

		target := k % 2
		base := x
		if pts := landed[1-target]; a.PlaneSearch >= 2 && len(pts) >= 2 {
			base, err = planeSearch(ctx, pts, sets[target])
			if err != nil {
				return r.finish(err)
			}
		}
		nx, err := sets[target].Project(ctx, base)
		if err != nil {
			return r.finish(err)
		}
		if a.PlaneSearch >= 2 {
			landed[target] = keepLast(append(landed[target], nx), a.PlaneSearch)
		}
		x = r.next(x, nx)
	}
}

// planeSearch minimises ‖y − P(y)‖² over y = s_last + Σ w_j (s_j − s_last)
// with BFGS. The gradient with respect to w_j is 2(y − P(y))·(s_j − s_last).
// The best point seen is returned even if BFGS stops early.
func planeSearch(ctx context.Context, pts [][]float64, target oracle.Oracle) ([]float64, error) {
	last := pts[len(pts)-1]
	dirs := make([][]float64, len(pts)-1)
	for j := range dirs {
		dirs[j] = make([]float64, len(last))
		floats.SubTo(dirs[j], pts[j], last)
	}

	point := func(w []float64) []float64 {
		y := clone(last)
		for j, d := range dirs {
			floats.AddScaled(y, w[j], d)
		}
		return y
	}

	var projErr error
	best, bestVal := clone(last), math.Inf(1)
	gap := func(w []float64) ([]float64, []float64) {
		y := point(w)
		py, err := target.Project(ctx, y)
		if err != nil {
			if projErr == nil {
				projErr = err
			}
			return y, nil
		}
		g := make([]float64, len(y))
		floats.SubTo(g, y, py)
		return y, g
	}

	prob := optimize.Problem{
		Func: func(w []float64) float64 {
			y, g := gap(w)
			if g == nil {
				return math.Inf(1)
			}
			v := floats.Dot(g, g)
			if v < bestVal {
				best, bestVal = y, v
			}
			return v
		},
		Grad: func(grad, w []float64) {
			_, g := gap(w)
			for j, d := range dirs {
				if g == nil {
					grad[j] = 0
					continue
				}
				grad[j] = 2 * floats.Dot(g, d)
			}
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   50,
		GradientThreshold: 1e-14,
	}
	// A failed line search still leaves a usable best point.
	_, _ = optimize.Minimize(prob, make([]float64, len(dirs)), settings, &optimize.BFGS{})
	if projErr != nil {
		return nil, fmt.Errorf("plane search failed: %w", projErr)
	}
	return best, nil
}

func keepLast(pts [][]float64, n int) [][]float64 {
	if len(pts) <= n {
		return pts
	}
	return pts[len(pts)-n:]
}

// AveragedProjections steps to the midpoint of the two projections.
type AveragedProjections struct {
	Config
}

func (a *AveragedProjections) Name() string { return "avgp" }

func (a *AveragedProjections) Solve(ctx context.Context, p *problem.Problem) (*Result, error) {
	r, x, err := a.Config.begin(ctx, a.Name(), p)
	if err != nil {
		return nil, err
	}
	sets := p.Sets()
	for {
		stop, err := r.observe(x)
		if err != nil || stop {
			return r.finish(err)
		}
		y, err := sets[0].Project(ctx, x)
		if err != nil {
			return r.finish(err)
		}
		z, err := sets[1].Project(ctx, x)
		if err != nil {
			return r.finish(err)
		}
		x = r.next(x, midpoint(y, z))
	}
}

// Dykstra converges to the projection of the initial iterate onto the
// intersection. Iterates are the points landed in sets[1]. Momentum does
// not apply.
type Dykstra struct {
	Config
}

func (d *Dykstra) Name() string { return "dykstra" }

func (d *Dykstra) Solve(ctx context.Context, pr *problem.Problem) (*Result, error) {
	r, b, err := d.Config.begin(ctx, d.Name(), pr)
	if err != nil {
		return nil, err
	}
	sets := pr.Sets()
	n := len(b)
	p := make([]float64, n)
	q := make([]float64, n)
	tmp := make([]float64, n)

	for {
		stop, err := r.observe(b)
		if err != nil || stop {
			return r.finish(err)
		}

		floats.AddTo(tmp, b, p)
		a, err := sets[0].Project(ctx, tmp)
		if err != nil {
			return r.finish(err)
		}
		floats.SubTo(p, tmp, a)

		floats.AddTo(tmp, a, q)
		nb, err := sets[1].Project(ctx, tmp)
		if err != nil {
			return r.finish(err)
		}
		floats.SubTo(q, tmp, nb)
		b = nb
	}
}

// AltP composes both projections per step: x+ = P0(P1(x)).
type AltP struct {
	Config
}

func (a *AltP) Name() string { return "altp" }

func (a *AltP) Solve(ctx context.Context, p *problem.Problem) (*Result, error) {
	r, x, err := a.Config.begin(ctx, a.Name(), p)
	if err != nil {
		return nil, err
	}
	sets := p.Sets()
	for {
		stop, err := r.observe(x)
		if err != nil || stop {
			return r.finish(err)
		}
		y, err := sets[1].Project(ctx, x)
		if err != nil {
			return r.finish(err)
		}
		z, err := sets[0].Project(ctx, y)
		if err != nil {
			return r.finish(err)
		}
		x = r.next(x, z)
	}
}

// Polyak extrapolates along the chord of three alternating projections
// x1 = P0(x), x2 = P1(x1), x3 = P0(x2):
//
//	x+ = x1 + λ(x3 − x1),  λ = ‖x1 − x2‖² / ((x1 − x3)·(x1 − x2))
//
// falling back to x3 when the denominator vanishes.
type Polyak struct {
	Config
}

func (a *Polyak) Name() string { return "polyak" }

func (a *Polyak) Solve(ctx context.Context, p *problem.Problem) (*Result, error) {
	r, x, err := a.Config.begin(ctx, a.Name(), p)
	if err != nil {
		return nil, err
	}
	sets := p.Sets()
	for {
		stop, err := r.observe(x)
		if err != nil || stop {
			return r.finish(err)
		}
		x1, err := sets[0].Project(ctx, x)
		if err != nil {
			return r.finish(err)
		}
		x2, err := sets[1].Project(ctx, x1)
		if err != nil {
			return r.finish(err)
		}
		x3, err := sets[0].Project(ctx, x2)
		if err != nil {
			return r.finish(err)
		}
		x = r.next(x, polyakStep(x1, x2, x3))
	}
}

func polyakStep(x1, x2, x3 []float64) []float64 {
	n := len(x1)
	d12 := make([]float64, n)
	d13 := make([]float64, n)
	floats.SubTo(d12, x1, x2)
	floats.SubTo(d13, x1, x3)

	num := floats.Dot(d12, d12)
	den := floats.Dot(d13, d12)
	if math.Abs(den) <= 1e-15*math.Max(num, 1e-300) || num == 0 {
		return clone(x3)
	}
	return relax(x1, x3, num/den)
}
