package qp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Config controls the tolerance ladder of a Projector.
type Config struct {
	// Tolerance is the first tolerance tried.
	Tolerance float64
	// MaxTolerance is the loosest tolerance the ladder reaches.
	MaxTolerance float64
	// Step multiplies the tolerance between attempts.
	Step float64
	// Timeout bounds a single attempt (0 = no deadline).
	Timeout time.Duration
}

// DefaultConfig returns the ladder 1e-10, 1e-9, ..., 1e-4.
func DefaultConfig() Config {
	return Config{
		Tolerance:    1e-10,
		MaxTolerance: 1e-4,
		Step:         10,
	}
}

// Projector computes Euclidean projections onto polyhedra. A failed attempt
// is retried at a looser tolerance, and once the primary method has
// exhausted the ladder the fallback method walks it again.
type Projector struct {
	config   Config
	primary  Method
	fallback Method
}

// NewProjector creates a projector. fallback may be nil.
func NewProjector(config Config, primary, fallback Method) *Projector {
	if config.Step <= 1 {
		config.Step = 10
	}
	if config.Tolerance <= 0 {
		config.Tolerance = DefaultConfig().Tolerance
	}
	if config.MaxTolerance < config.Tolerance {
		config.MaxTolerance = config.Tolerance
	}
	return &Projector{
		config:   config,
		primary:  primary,
		fallback: fallback,
	}
}

// Default returns a projector using LDP with a Hildreth fallback.
func Default() *Projector {
	return NewProjector(DefaultConfig(), LDP{}, Hildreth{})
}

// Project returns the projection of x0 onto the polyhedron c and its
// distance from x0. With no constraints the projection is x0 itself and no
// method runs.
func (p *Projector) Project(ctx context.Context, x0 []float64, c Constraints) ([]float64, float64, error) {
	if c.Empty() {
		return append([]float64(nil), x0...), 0, nil
	}

	attempts := 0
	var lastErr error
	for _, method := range []Method{p.primary, p.fallback} {
		if method == nil {
			continue
		}
		for tol := p.config.Tolerance; tol <= p.config.MaxTolerance*(1+1e-9); tol *= p.config.Step {
			attempts++
			x, err := p.attempt(ctx, method, x0, c, tol)
			if err == nil {
				return x, floats.Distance(x, x0, 2), nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, 0, ctxErr
			}
			if errors.Is(err, ErrInfeasible) {
				return nil, 0, err
			}
			lastErr = err
			slog.Warn("Projection attempt failed",
				"method", method.Name(),
				"tolerance", tol,
				"next_tolerance", tol*p.config.Step,
				"error", err,
			)
		}
		if method == p.primary && p.fallback != nil {
			slog.Warn("Primary projection method exhausted; falling back",
				"primary", p.primary.Name(),
				"fallback", p.fallback.Name(),
			)
		}
	}
	return nil, 0, &SolverError{Attempts: attempts, Err: lastErr}
}

func (p *Projector) attempt(ctx context.Context, method Method, x0 []float64, c Constraints, tol float64) ([]float64, error) {
	if p.config.Timeout <= 0 {
		return method.Solve(ctx, x0, c, tol)
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	x, err := method.Solve(ctx, x0, c, tol)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		// Only this attempt ran out of time; let the ladder continue.
		return nil, ErrNotConverged
	}
	return x, err
}
