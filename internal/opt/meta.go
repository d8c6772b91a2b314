package opt

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/projmethods/internal/oracle"
	"github.com/cwbudde/projmethods/internal/problem"
	"github.com/cwbudde/projmethods/internal/qp"
)

// MetaAPOP runs APOP from several starting points that share one outer
// approximation. Each round all trajectories query the sets concurrently;
// their certificates are added in trajectory order once every query has
// finished, and only then is the shared approximation read for the
// localization step. The reported iterate of a round is the trajectory with
// the smallest residual sum.
type MetaAPOP struct {
	APOP

	// Trajectories is the number of random standard normal starts in
	// addition to the initial iterate. Zero means 100.
	Trajectories int
	// Workers bounds the concurrent trajectories. Zero means GOMAXPROCS.
	Workers int
}

func (a *MetaAPOP) Name() string { return "meta-apop" }

func (a *MetaAPOP) trajectories() int {
	if a.Trajectories == 0 {
		return 100
	}
	return a.Trajectories
}

func (a *MetaAPOP) workers() int {
	if a.Workers == 0 {
		return runtime.GOMAXPROCS(0)
	}
	return a.Workers
}

func (a *MetaAPOP) Solve(ctx context.Context, p *problem.Problem) (*Result, error) {
	if a.Trajectories < 0 {
		return nil, &ConfigError{Field: "Trajectories", Reason: "cannot be negative"}
	}
	if a.Workers < 0 {
		return nil, &ConfigError{Field: "Workers", Reason: "cannot be negative"}
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	r, x0, err := a.Config.begin(ctx, a.Name(), p)
	if err != nil {
		return nil, err
	}
	m, err := a.manager(p.Dimension())
	if err != nil {
		return nil, err
	}
	sets := p.Sets()

	n := a.trajectories() + 1
	seed := rand.New(rand.NewPCG(a.Seed, 3))
	xs := make([][]float64, n)
	prev := make([][]float64, n)
	rngs := make([]*rand.Rand, n)
	xs[0] = x0
	for i := range xs {
		if i > 0 {
			xs[i] = randomStart(seed, p.Dimension())
		}
		rngs[i] = rand.New(rand.NewPCG(a.Seed, uint64(i)+4))
	}

	res := make([]problem.Residual, n)
	err = a.parallel(ctx, n, func(ctx context.Context, i int) error {
		var err error
		res[i], err = p.Residual(ctx, xs[i])
		return err
	})
	if err != nil {
		return r.finish(err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return r.finish(err)
		}
		best := bestTrajectory(res)
		if r.record(xs[best], res[best]) {
			return r.finish(nil)
		}
		k := r.iteration()

		xps := make([][]float64, n)
		certs := make([][]oracle.Certificate, n)
		err := a.parallel(ctx, n, func(ctx context.Context, i int) error {
			var err error
			xps[i], certs[i], err = a.intermediate(ctx, sets, xs[i], rngs[i])
			return err
		})
		if err != nil {
			return r.finish(err)
		}
		for _, c := range certs {
			if err := m.Add(c...); err != nil {
				return r.finish(err)
			}
		}

		poly, err := m.Outer()
		if err != nil {
			return r.finish(err)
		}
		next := make([][]float64, n)
		err = a.parallel(ctx, n, func(ctx context.Context, i int) error {
			nx, err := a.localize(ctx, poly, p, k, xps[i])
			if err != nil {
				return err
			}
			if mom := a.Momentum; mom != nil {
				v := make([]float64, len(nx))
				for j := range v {
					v[j] = nx[j] - xs[i][j]
				}
				nx = heavyBall(prev[i], xs[i], v, mom.Alpha, mom.Beta)
			}
			next[i] = nx
			res[i], err = p.Residual(ctx, nx)
			return err
		})
		if errors.Is(err, qp.ErrInfeasible) {
			slog.Info("Outer approximation is empty; problem is infeasible",
				"algorithm", a.Name(),
				"iteration", k,
				"certificates", m.Canonical().Len(),
			)
			r.result.Status = Infeasible
			return r.finish(nil)
		}
		if err != nil {
			return r.finish(err)
		}
		prev, xs = xs, next
	}
}

// parallel runs fn for every trajectory with at most Workers goroutines and
// waits for all of them.
func (a *MetaAPOP) parallel(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return fn(gctx, i)
		})
	}
	return g.Wait()
}

func bestTrajectory(res []problem.Residual) int {
	best := 0
	for i := range res {
		if distanceSum(res[i]) < distanceSum(res[best]) {
			best = i
		}
	}
	return best
}
