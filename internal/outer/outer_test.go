package outer

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/projmethods/internal/oracle"
)

func tangent(k, of int) oracle.Certificate {
	th := 2 * math.Pi * float64(k) / float64(of)
	return oracle.NewHalfspace([]float64{math.Cos(th), math.Sin(th)}, 1)
}

func outerOf(t *testing.T, m *Manager) *oracle.Polyhedron {
	t.Helper()
	o, err := m.Outer()
	require.NoError(t, err)
	return o
}

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{
		"exact":        Exact,
		"EVICT_LRA":    EvictLRA,
		"lra":          EvictLRA,
		"evict-random": EvictRandom,
		"random":       EvictRandom,
		"reset":        Reset,
		"subsample":    Subsample,
	}
	for in, want := range cases {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		assert.Equal(t, want, mustParse(t, got.String()))
	}

	_, err := ParsePolicy("most-recent")
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func mustParse(t *testing.T, s string) Policy {
	t.Helper()
	p, err := ParsePolicy(s)
	require.NoError(t, err)
	return p
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(2, Config{Policy: Exact, MaxHalfspaces: 3}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(2, Config{Policy: EvictLRA, MaxHalfspaces: -1}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(2, Config{Policy: EvictRandom, MaxHalfspaces: 3}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig, "random policies need an injected rng")

	_, err = New(2, Config{Policy: Exact}, nil, nil)
	assert.NoError(t, err)
}

func TestExactOuterShrinksMonotonically(t *testing.T) {
	ctx := context.Background()
	m, err := New(2, Config{Policy: Exact}, nil, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	samples := make([][]float64, 400)
	for i := range samples {
		samples[i] = []float64{4*rng.Float64() - 2, 4*rng.Float64() - 2}
	}
	inside := func() []bool {
		out := make([]bool, len(samples))
		p := outerOf(t, m)
		for i, x := range samples {
			out[i] = p.Contains(x, 0)
		}
		return out
	}

	before := inside()
	for k := 0; k < 8; k++ {
		require.NoError(t, m.Add(tangent(k, 8)))
		after := inside()
		for i := range samples {
			if after[i] {
				assert.True(t, before[i], "region grew at sample %v", samples[i])
			}
		}
		before = after
	}
	assert.Equal(t, 8, outerOf(t, m).Len())
	assert.Same(t, m.Canonical(), outerOf(t, m))

	// The far point projects onto the octagon.
	xs, certs, err := m.Query(ctx, []float64{3, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1, xs[0], 1e-8)
	assert.Len(t, certs, 1)
}

func TestCapacityInvariant(t *testing.T) {
	for _, policy := range []Policy{EvictLRA, EvictRandom, Reset, Subsample} {
		t.Run(policy.String(), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(3, 4))
			m, err := New(2, Config{Policy: policy, MaxHalfspaces: 3, MaxHyperplanes: 2}, nil, rng)
			require.NoError(t, err)

			for k := 0; k < 25; k++ {
				require.NoError(t, m.Add(tangent(k, 25)))
				if k%3 == 0 {
					require.NoError(t, m.Add(oracle.NewHyperplane([]float64{1, float64(k)}, 0)))
				}
				o := outerOf(t, m)
				assert.LessOrEqual(t, len(o.Halfspaces()), 3)
				assert.LessOrEqual(t, len(o.Hyperplanes()), 2)
			}
			assert.Len(t, m.Canonical().Halfspaces(), 25, "canonical keeps everything")
		})
	}
}

func TestEvictLRAKeepsNewest(t *testing.T) {
	m, err := New(2, Config{Policy: EvictLRA, MaxHalfspaces: 3}, nil, nil)
	require.NoError(t, err)
	for k := 0; k < 6; k++ {
		require.NoError(t, m.Add(tangent(k, 6)))
	}
	got := outerOf(t, m).Halfspaces()
	require.Len(t, got, 3)
	for i, c := range got {
		assert.True(t, c.Equal(tangent(3+i, 6)))
	}
}

func TestResetClearsOnOverflow(t *testing.T) {
	m, err := New(2, Config{Policy: Reset, MaxHalfspaces: 3}, nil, nil)
	require.NoError(t, err)
	for k := 0; k < 4; k++ {
		require.NoError(t, m.Add(tangent(k, 6)))
	}
	got := outerOf(t, m).Halfspaces()
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(tangent(3, 6)))
}

func TestSubsampleNeverEvicts(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	m, err := New(2, Config{Policy: Subsample, MaxHalfspaces: 2}, nil, rng)
	require.NoError(t, err)
	for k := 0; k < 10; k++ {
		require.NoError(t, m.Add(tangent(k, 10)))
	}

	seen := map[int]bool{}
	for draw := 0; draw < 50; draw++ {
		for _, c := range outerOf(t, m).Halfspaces() {
			for k := 0; k < 10; k++ {
				if c.Equal(tangent(k, 10)) {
					seen[k] = true
				}
			}
		}
	}
	assert.Greater(t, len(seen), 2, "subsamples must vary between reads")
	assert.Len(t, m.Canonical().Halfspaces(), 10)
}

func TestUnderCapacityOuterIsCanonical(t *testing.T) {
	m, err := New(2, Config{Policy: EvictLRA, MaxHalfspaces: 5}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Add(tangent(0, 4), tangent(1, 4)))
	assert.Same(t, m.Canonical(), outerOf(t, m))
}

func TestLaxOuterQueryIsNotAnError(t *testing.T) {
	ctx := context.Background()
	m, err := New(2, Config{Policy: EvictLRA, MaxHalfspaces: 1}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Add(
		oracle.NewHalfspace([]float64{1, 0}, 0),
		oracle.NewHalfspace([]float64{0, 1}, 0),
	))

	// (1, -1) violates the evicted x ≤ 0 but satisfies the retained y ≤ 0.
	x := []float64{1, -1}
	assert.False(t, m.Canonical().Contains(x, 0))
	xs, certs, err := m.Query(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, x, xs)
	assert.Empty(t, certs)
}

func TestAddRejectsWrongDimension(t *testing.T) {
	m, err := New(2, Config{}, nil, nil)
	require.NoError(t, err)
	assert.Error(t, m.Add(oracle.NewHalfspace([]float64{1, 2, 3}, 0)))
}
