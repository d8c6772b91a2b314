package oracle

import (
	"context"
	"fmt"

	"github.com/cwbudde/projmethods/internal/qp"
)

// Polyhedron is the intersection of an ordered list of hyperplanes and an
// ordered list of halfspaces. With no certificates it is all of R^Dim().
type Polyhedron struct {
	dim         int
	hyperplanes []Certificate
	halfspaces  []Certificate
	projector   *qp.Projector
}

// NewPolyhedron creates a polyhedron projecting through projector (qp.Default()
// when nil).
func NewPolyhedron(dim int, projector *qp.Projector, certs ...Certificate) (*Polyhedron, error) {
	if projector == nil {
		projector = qp.Default()
	}
	p := &Polyhedron{dim: dim, projector: projector}
	if err := p.Add(certs...); err != nil {
		return nil, err
	}
	return p, nil
}

// Add appends certificates. The region can only shrink.
func (p *Polyhedron) Add(certs ...Certificate) error {
	for _, c := range certs {
		if c.Dim() != p.dim {
			return fmt.Errorf("certificate has dimension %d, polyhedron %d", c.Dim(), p.dim)
		}
	}
	for _, c := range certs {
		switch c.Kind() {
		case Hyperplane:
			p.hyperplanes = append(p.hyperplanes, c)
		default:
			p.halfspaces = append(p.halfspaces, c)
		}
	}
	return nil
}

func (p *Polyhedron) Dim() int { return p.dim }

// Hyperplanes returns the hyperplanes in insertion order.
func (p *Polyhedron) Hyperplanes() []Certificate {
	return append([]Certificate(nil), p.hyperplanes...)
}

// Halfspaces returns the halfspaces in insertion order.
func (p *Polyhedron) Halfspaces() []Certificate {
	return append([]Certificate(nil), p.halfspaces...)
}

// Len is the total number of certificates.
func (p *Polyhedron) Len() int { return len(p.hyperplanes) + len(p.halfspaces) }

// Constraints converts the certificates to backend rows.
func (p *Polyhedron) Constraints() qp.Constraints {
	var c qp.Constraints
	for _, h := range p.hyperplanes {
		c.Eq = append(c.Eq, qp.Row{A: h.a, B: h.b})
	}
	for _, h := range p.halfspaces {
		c.Ineq = append(c.Ineq, qp.Row{A: h.a, B: h.b})
	}
	return c
}

func (p *Polyhedron) Project(ctx context.Context, x []float64) ([]float64, error) {
	if len(x) != p.dim {
		return nil, fmt.Errorf("polyhedron: point has dimension %d, want %d", len(x), p.dim)
	}
	xs, _, err := p.projector.Project(ctx, x, p.Constraints())
	if err != nil {
		return nil, fmt.Errorf("failed to project onto polyhedron: %w", err)
	}
	return xs, nil
}

func (p *Polyhedron) Contains(x []float64, atol float64) bool {
	for _, c := range p.hyperplanes {
		if !c.Contains(x, atol) {
			return false
		}
	}
	for _, c := range p.halfspaces {
		if !c.Contains(x, atol) {
			return false
		}
	}
	return true
}

func (p *Polyhedron) Query(ctx context.Context, x []float64) ([]float64, []Certificate, error) {
	return supportingQuery(ctx, p, Halfspace, x)
}
