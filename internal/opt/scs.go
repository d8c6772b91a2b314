package opt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cwbudde/projmethods/internal/oracle"
	"github.com/cwbudde/projmethods/internal/problem"
)

// SCSADMM is the splitting conic solver iteration on a self-dual embedding
// uv = (u, v) with sets[0] the cone product and sets[1] the affine set
// {Qu = v}:
//
//	(ũ, ṽ) = P1(u + v, u + v)
//	(u, v) = P0(ũ − v, ṽ − u)
//
// Certificates returned by the affine and cone queries are kept. With Polish set, APOP
// continues from the last iterate seeded with them.
type SCSADMM struct {
	Config

	// Polish, when non-nil, is run after the main loop. Its Config
	// controls the polishing budget; its InitialIterate is ignored.
	Polish *APOP
}

func (s *SCSADMM) Name() string { return "scs-admm" }

func (s *SCSADMM) Solve(ctx context.Context, p *problem.Problem) (*Result, error) {
	if p != nil && p.Dimension()%2 != 0 {
		return nil, &ConfigError{
			Field:  "Problem",
			Reason: fmt.Sprintf("needs an even dimension (u, v), got %d", p.Dimension()),
		}
	}
	if s.Polish != nil {
		if err := s.Polish.validate(); err != nil {
			return nil, fmt.Errorf("invalid polish: %w", err)
		}
	}
	r, x, err := s.Config.begin(ctx, s.Name(), p)
	if err != nil {
		return nil, err
	}
	var info []oracle.Certificate
	for {
		stop, err := r.observe(x)
		if err != nil {
			return r.finish(err)
		}
		if stop {
			break
		}
		nx, certs, err := s.step(ctx, p.Sets(), x)
		if err != nil {
			return r.finish(err)
		}
		info = append(info, certs...)
		x = r.next(x, nx)
	}

	if s.Polish == nil || r.result.Status == Optimal {
		return r.finish(nil)
	}
	return s.polish(ctx, p, r, info)
}

// step performs one ADMM iteration and returns the certificates of both
// queries, affine first.
func (s *SCSADMM) step(ctx context.Context, sets [2]oracle.Oracle, x []float64) ([]float64, []oracle.Certificate, error) {
	half := len(x) / 2
	u, v := x[:half], x[half:]
	w := make([]float64, 2*half)
	for i := 0; i < half; i++ {
		w[i] = u[i] + v[i]
		w[half+i] = w[i]
	}
	proj, affine, err := sets[1].Query(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	ut, vt := proj[:half], proj[half:]

	z := make([]float64, 2*half)
	for i := 0; i < half; i++ {
		z[i] = ut[i] - v[i]
		z[half+i] = vt[i] - u[i]
	}
	nx, cone, err := sets[0].Query(ctx, z)
	if err != nil {
		return nil, nil, err
	}
	return nx, append(affine, cone...), nil
}

// polisher returns the APOP run that continues from x seeded with info.
func (s *SCSADMM) polisher(x []float64, info []oracle.Certificate) APOP {
	polish := *s.Polish
	polish.InitialIterate = clone(x)
	polish.Info = append(append([]oracle.Certificate(nil), s.Polish.Info...), info...)
	return polish
}

// polish runs APOP from the last iterate and appends its history.
func (s *SCSADMM) polish(ctx context.Context, p *problem.Problem, r *run, info []oracle.Certificate) (*Result, error) {
	polish := s.polisher(r.result.Final(), info)

	slog.Info("Polishing with APOP",
		"algorithm", s.Name(),
		"certificates", len(polish.Info),
		"max_iters", polish.MaxIters,
	)

	pr, err := polish.Solve(ctx, p)
	if pr != nil && len(pr.Iterates) > 1 {
		// The first polish iterate repeats the last ADMM iterate.
		r.result.Iterates = append(r.result.Iterates, pr.Iterates[1:]...)
		r.result.Residuals = append(r.result.Residuals, pr.Residuals[1:]...)
		if len(pr.FejerDistances) > 1 {
			r.result.FejerDistances = append(r.result.FejerDistances, pr.FejerDistances[1:]...)
		}
	}
	if pr != nil {
		r.result.Status = pr.Status
	}
	return r.finish(err)
}
