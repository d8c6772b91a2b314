package problem

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/cwbudde/projmethods/internal/oracle"
)

// Params parameterises the catalog generators. Zero fields take the
// defaults listed in Build.
type Params struct {
	Slope   float64     `yaml:"slope,omitempty" json:"slope,omitempty"`
	Radius  float64     `yaml:"radius,omitempty" json:"radius,omitempty"`
	Dim     int         `yaml:"dim,omitempty" json:"dim,omitempty"`
	Rows    int         `yaml:"rows,omitempty" json:"rows,omitempty"`
	Vars    int         `yaml:"vars,omitempty" json:"vars,omitempty"`
	Density float64     `yaml:"density,omitempty" json:"density,omitempty"`
	Cones   []ConeBlock `yaml:"cones,omitempty" json:"cones,omitempty"`
}

// Instance is a built problem. Embedding is set for cone programs only.
type Instance struct {
	Problem   *Problem
	Embedding *SCS
}

type builder func(ctx context.Context, p Params, rng *rand.Rand) (Instance, error)

var catalog = map[string]builder{
	"two-lines": func(_ context.Context, p Params, _ *rand.Rand) (Instance, error) {
		pr, err := TwoLines(orDefault(p.Slope, 20))
		return Instance{Problem: pr}, err
	},
	"two-circles": func(_ context.Context, p Params, _ *rand.Rand) (Instance, error) {
		pr, err := TwoCircles(orDefault(p.Radius, 10))
		return Instance{Problem: pr}, err
	},
	"convex-affine-soc": func(ctx context.Context, p Params, rng *rand.Rand) (Instance, error) {
		dim := orDefaultInt(p.Dim, 10)
		pr, err := ConvexAffine(ctx, rng, oracle.NewSOC(dim), orDefaultInt(p.Rows, dim/2), orDefault(p.Density, 0.5))
		return Instance{Problem: pr}, err
	},
	"convex-affine-nonneg": func(ctx context.Context, p Params, rng *rand.Rand) (Instance, error) {
		dim := orDefaultInt(p.Dim, 10)
		pr, err := ConvexAffine(ctx, rng, oracle.NewNonNeg(dim), orDefaultInt(p.Rows, dim/2), orDefault(p.Density, 0.5))
		return Instance{Problem: pr}, err
	},
	"cone-program": func(ctx context.Context, p Params, rng *rand.Rand) (Instance, error) {
		cones := p.Cones
		if len(cones) == 0 {
			cones = []ConeBlock{{Kind: "soc", Dim: 3}, {Kind: "nonneg", Dim: 3}}
		}
		scs, err := RandomConeProgram(ctx, rng, cones, orDefaultInt(p.Vars, 3), orDefault(p.Density, 0.5))
		if err != nil {
			return Instance{}, err
		}
		return Instance{Problem: scs.Problem, Embedding: scs}, nil
	},
}

// Names lists the catalog entries in sorted order.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for n := range catalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build generates the named problem. Defaults: slope 20, radius 10, dim 10,
// rows dim/2, vars 3, density 0.5, cones soc(3) × nonneg(3).
func Build(ctx context.Context, name string, p Params, rng *rand.Rand) (Instance, error) {
	b, ok := catalog[name]
	if !ok {
		return Instance{}, &ValidationError{Field: "Name", Reason: fmt.Sprintf("unknown problem %q (known: %v)", name, Names())}
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(0, 0))
	}
	inst, err := b(ctx, p, rng)
	if err != nil {
		return Instance{}, fmt.Errorf("failed to build problem %s: %w", name, err)
	}
	return inst, nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
