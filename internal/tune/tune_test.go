package tune

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/projmethods/internal/opt"
	"github.com/cwbudde/projmethods/internal/problem"
)

// Sphere function: f(x) = sum(x_i^2), minimum at origin
func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func TestMinimizeOnSphere(t *testing.T) {
	best, cost, err := minimize(sphere, -10, 10, 3, 100, 20, 42)
	require.NoError(t, err)
	require.Len(t, best, 3)

	if cost > 0.1 {
		t.Errorf("Expected cost near 0, got %f", cost)
	}
	for i, v := range best {
		if math.Abs(v) > 1.0 {
			t.Errorf("Parameter %d = %f, expected near 0", i, v)
		}
	}
}

func TestMinimizeDeterministic(t *testing.T) {
	// popSize must be >= 20 for mayfly v0.1.0
	_, cost1, err := minimize(sphere, -5, 5, 2, 50, 20, 123)
	require.NoError(t, err)
	_, cost2, err := minimize(sphere, -5, 5, 2, 50, 20, 123)
	require.NoError(t, err)
	assert.Equal(t, cost1, cost2)
}

func circleSearch(t *testing.T, momentum bool) *Search {
	t.Helper()
	p, err := problem.TwoCircles(10)
	require.NoError(t, err)
	return &Search{
		Problem: p,
		Base: opt.APOP{Config: opt.Config{
			MaxIters:       5,
			Atol:           1e-12,
			InitialIterate: []float64{0, 10},
		}},
		Momentum: momentum,
		MaxIters: 3,
		PopSize:  20,
		Seed:     7,
	}
}

func TestSearchFindsValidParameters(t *testing.T) {
	s := circleSearch(t, true)
	out, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Greater(t, out.Params.Theta, 0.0)
	assert.Less(t, out.Params.Theta, 2.0)
	require.NotNil(t, out.Params.Momentum)
	assert.Greater(t, out.Params.Momentum.Alpha, 0.0)
	assert.GreaterOrEqual(t, out.Params.Momentum.Beta, 0.0)
	assert.Positive(t, out.Evaluations)
	assert.Less(t, out.Cost, float64(failedCost))

	// The reported cost is what the parameters achieve.
	assert.InDelta(t, out.Cost, s.Evaluate(context.Background(), out.Params), 1e-9)
}

func TestSearchIsReproducible(t *testing.T) {
	a, err := circleSearch(t, false).Run(context.Background())
	require.NoError(t, err)
	b, err := circleSearch(t, false).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.Params, b.Params)
	assert.Nil(t, a.Params.Momentum)
}

func TestSearchValidation(t *testing.T) {
	s := circleSearch(t, false)
	s.PopSize = 5
	_, err := s.Run(context.Background())
	assert.Error(t, err)

	s = circleSearch(t, false)
	s.Base.MaxIters = 0
	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, opt.ErrInvalidConfig)
}

func TestEvaluateChargesFailures(t *testing.T) {
	s := circleSearch(t, false)
	// θ outside (0, 2) is a configuration error.
	assert.Equal(t, float64(failedCost), s.Evaluate(context.Background(), Params{Theta: 3}))
}
