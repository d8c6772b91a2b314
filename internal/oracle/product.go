package oracle

import (
	"context"
	"fmt"
	"math"
)

// Product is the Cartesian product of its blocks. Block i acts on the
// consecutive coordinate slice [Offset(i), Offset(i)+blocks[i].Dim()).
type Product struct {
	blocks  []Oracle
	offsets []int
	dim     int
}

// NewProduct composes blocks in the given order.
func NewProduct(blocks ...Oracle) *Product {
	p := &Product{
		blocks:  append([]Oracle(nil), blocks...),
		offsets: make([]int, len(blocks)),
	}
	for i, b := range blocks {
		p.offsets[i] = p.dim
		p.dim += b.Dim()
	}
	return p
}

func (p *Product) Dim() int { return p.dim }

// Blocks returns the component sets in order.
func (p *Product) Blocks() []Oracle { return append([]Oracle(nil), p.blocks...) }

// Offset returns the first coordinate of block i.
func (p *Product) Offset(i int) int { return p.offsets[i] }

// Slice returns the coordinates of x belonging to block i (not a copy).
func (p *Product) Slice(x []float64, i int) []float64 {
	return x[p.offsets[i] : p.offsets[i]+p.blocks[i].Dim()]
}

func (p *Product) check(x []float64) error {
	if len(x) != p.dim {
		return fmt.Errorf("product set: point has dimension %d, want %d", len(x), p.dim)
	}
	return nil
}

func (p *Product) Project(ctx context.Context, x []float64) ([]float64, error) {
	if err := p.check(x); err != nil {
		return nil, err
	}
	out := make([]float64, p.dim)
	for i, b := range p.blocks {
		xs, err := b.Project(ctx, p.Slice(x, i))
		if err != nil {
			return nil, fmt.Errorf("failed to project block %d: %w", i, err)
		}
		copy(out[p.offsets[i]:], xs)
	}
	return out, nil
}

// Contains checks every block at atol, so a contained point is within
// atol·√blocks of the product.
func (p *Product) Contains(x []float64, atol float64) bool {
	if len(x) != p.dim {
		return false
	}
	for i, b := range p.blocks {
		if !b.Contains(p.Slice(x, i), atol) {
			return false
		}
	}
	return true
}

// Query queries every block and lifts the block certificates to the full
// space. Certificates are returned in block order.
func (p *Product) Query(ctx context.Context, x []float64) ([]float64, []Certificate, error) {
	if err := p.check(x); err != nil {
		return nil, nil, err
	}
	out := make([]float64, p.dim)
	var certs []Certificate
	for i, b := range p.blocks {
		xs, cs, err := b.Query(ctx, p.Slice(x, i))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to query block %d: %w", i, err)
		}
		copy(out[p.offsets[i]:], xs)
		for _, c := range cs {
			certs = append(certs, c.Lift(p.dim, p.offsets[i]))
		}
	}
	return out, certs, nil
}

// Distance returns the per-block distances of x to the product, useful for
// residual breakdowns.
func (p *Product) Distance(ctx context.Context, x []float64) ([]float64, error) {
	xs, err := p.Project(ctx, x)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(p.blocks))
	for i := range p.blocks {
		var ss float64
		for j, v := range p.Slice(x, i) {
			d := v - p.Slice(xs, i)[j]
			ss += d * d
		}
		out[i] = math.Sqrt(ss)
	}
	return out, nil
}

// ConeProduct is a Product of cones, itself a cone.
type ConeProduct struct {
	*Product
	cones []Cone
}

func NewConeProduct(cones ...Cone) *ConeProduct {
	blocks := make([]Oracle, len(cones))
	for i, c := range cones {
		blocks[i] = c
	}
	return &ConeProduct{
		Product: NewProduct(blocks...),
		cones:   append([]Cone(nil), cones...),
	}
}

// Dual is the product of the block duals, in the same order.
func (c *ConeProduct) Dual() Cone {
	duals := make([]Cone, len(c.cones))
	for i, k := range c.cones {
		duals[i] = k.Dual()
	}
	return NewConeProduct(duals...)
}
