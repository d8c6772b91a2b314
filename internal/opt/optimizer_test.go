package opt

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/projmethods/internal/oracle"
	"github.com/cwbudde/projmethods/internal/outer"
	"github.com/cwbudde/projmethods/internal/problem"
)

func twoCircles(t *testing.T) *problem.Problem {
	t.Helper()
	p, err := problem.TwoCircles(10)
	require.NoError(t, err)
	return p
}

func circleConfig() Config {
	return Config{
		MaxIters:       10,
		Atol:           1e-12,
		InitialIterate: []float64{0, 10},
	}
}

func norm(x []float64) float64 { return floats.Norm(x, 2) }

func TestResultConvention(t *testing.T) {
	p := twoCircles(t)
	cfg := circleConfig()
	cfg.MaxIters = 5
	cfg.Atol = 0

	res, err := (&AltP{Config: cfg}).Solve(context.Background(), p)
	require.NoError(t, err)

	assert.Len(t, res.Iterates, 6)
	assert.Len(t, res.Residuals, 6)
	assert.Len(t, res.FejerDistances, 6)
	assert.Equal(t, 5, res.Steps())
	assert.Equal(t, Inaccurate, res.Status)
	assert.Equal(t, []float64{0, 10}, res.Iterates[0])

	for k, x := range res.Iterates {
		r, err := p.Residual(context.Background(), x)
		require.NoError(t, err)
		assert.Equal(t, r, res.Residuals[k], "residual %d must belong to iterate %d", k, k)
	}
}

func TestOptimalStopsUnlessDoAllIters(t *testing.T) {
	p := twoCircles(t)
	cfg := Config{MaxIters: 3, Atol: 1e-9, InitialIterate: []float64{0, 0}}

	res, err := (&AveragedProjections{Config: cfg}).Solve(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, Optimal, res.Status)
	assert.Len(t, res.Iterates, 1)

	cfg.DoAllIters = true
	res, err = (&AveragedProjections{Config: cfg}).Solve(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, Optimal, res.Status)
	assert.Len(t, res.Iterates, 4)
}

func TestTwoCirclesMoveTowardOrigin(t *testing.T) {
	p := twoCircles(t)
	ctx := context.Background()

	altp, err := (&AltP{Config: circleConfig()}).Solve(ctx, p)
	require.NoError(t, err)
	polyak, err := (&Polyak{Config: circleConfig()}).Solve(ctx, p)
	require.NoError(t, err)
	apop, err := (&APOP{Config: circleConfig()}).Solve(ctx, p)
	require.NoError(t, err)
	averaged, err := (&APOP{Config: circleConfig(), Average: true}).Solve(ctx, p)
	require.NoError(t, err)

	for name, res := range map[string]*Result{"altp": altp, "polyak": polyak, "apop": apop, "apop-averaged": averaged} {
		assert.Less(t, norm(res.Final()), 10.0, name)
		assert.Less(t, res.FinalResidual().Sum(), res.Residuals[0].Sum(), name)
	}

	assert.LessOrEqual(t, apop.FinalResidual().Sum(), altp.FinalResidual().Sum())
	assert.LessOrEqual(t, averaged.FinalResidual().Sum(), altp.FinalResidual().Sum())
}

func TestAltPIsFejerMonotone(t *testing.T) {
	res, err := (&AltP{Config: circleConfig()}).Solve(context.Background(), twoCircles(t))
	require.NoError(t, err)
	for k := 1; k < len(res.FejerDistances); k++ {
		assert.LessOrEqual(t, res.FejerDistances[k], res.FejerDistances[k-1]+1e-12)
	}
}

func TestTwoLinesPlaneSearch(t *testing.T) {
	p, err := problem.TwoLines(20)
	require.NoError(t, err)
	cfg := Config{MaxIters: 100, Atol: 1e-6, InitialIterate: []float64{0, 100}}

	res, err := (&AlternatingProjections{Config: cfg, PlaneSearch: 2}).Solve(context.Background(), p)
	require.NoError(t, err)
	assert.LessOrEqual(t, norm(res.Final()), 1e-3)
	assert.LessOrEqual(t, res.Steps(), 100)

	plain, err := (&AlternatingProjections{Config: cfg}).Solve(context.Background(), p)
	require.NoError(t, err)
	assert.Less(t, norm(res.Final()), norm(plain.Final()))
}

func TestDykstraFindsNearestPoint(t *testing.T) {
	left := oracle.NewHalfspace([]float64{1, 0}, 0)
	right := oracle.NewHalfspace([]float64{1, 1}, 0)
	p, err := problem.New("wedge", []oracle.Oracle{left, right}, []float64{0, 0})
	require.NoError(t, err)

	cfg := Config{MaxIters: 100, Atol: 0, DoAllIters: true, InitialIterate: []float64{2, 1}}
	res, err := (&Dykstra{Config: cfg}).Solve(context.Background(), p)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0}, res.Final(), 1e-8)

	// Plain alternating projections stop at a feasible point that is not
	// the nearest one.
	alt, err := (&AlternatingProjections{Config: cfg}).Solve(context.Background(), p)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-0.5, 0.5}, alt.Final(), 1e-12)
}

func TestDykstraOnTwoLines(t *testing.T) {
	line := func(angle float64) oracle.Oracle {
		a, err := oracle.NewAffine(mat.NewDense(1, 2, []float64{-math.Sin(angle), math.Cos(angle)}), []float64{0})
		require.NoError(t, err)
		return a
	}
	p, err := problem.New("lines", []oracle.Oracle{line(math.Pi / 6), line(5 * math.Pi / 9)}, []float64{0, 0})
	require.NoError(t, err)

	cfg := Config{MaxIters: 200, Atol: 1e-9, InitialIterate: []float64{3, -1}}
	res, err := (&Dykstra{Config: cfg}).Solve(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, Optimal, res.Status)
	assert.InDeltaSlice(t, []float64{0, 0}, res.Final(), 1e-6)
}

func TestConfigErrorsBeforeIterating(t *testing.T) {
	p := twoCircles(t)
	ctx := context.Background()

	cases := map[string]Optimizer{
		"zero budget":     &AltP{Config: Config{MaxIters: 0}},
		"negative atol":   &AltP{Config: Config{MaxIters: 1, Atol: -1}},
		"wrong dimension": &Polyak{Config: Config{MaxIters: 1, InitialIterate: []float64{1, 2, 3}}},
		"bad momentum":    &AveragedProjections{Config: Config{MaxIters: 1, Momentum: &Momentum{Alpha: 0}}},
		"bad stall":       &Dykstra{Config: Config{MaxIters: 1, Stall: StallConfig{Enabled: true}}},
		"bad theta":       &APOP{Config: Config{MaxIters: 1}, Theta: 2.5},
		"plane search":    &AlternatingProjections{Config: Config{MaxIters: 1}, PlaneSearch: -1},
		"trajectories":    &MetaAPOP{APOP: APOP{Config: Config{MaxIters: 1}}, Trajectories: -1},
	}
	for name, o := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := o.Solve(ctx, p)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Nil(t, res)
		})
	}

	_, err := (&APOP{
		Config: Config{MaxIters: 1},
		Outer:  outer.Config{Policy: outer.Exact, MaxHalfspaces: 3},
	}).Solve(ctx, p)
	assert.ErrorIs(t, err, outer.ErrInvalidConfig)

	odd, err := problem.New("odd", []oracle.Oracle{oracle.NewNonNeg(3), oracle.NewReals(3)}, nil)
	require.NoError(t, err)
	_, err = (&SCSADMM{Config: Config{MaxIters: 1}}).Solve(ctx, odd)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAPOPFejerViolationReturnsPartialResult(t *testing.T) {
	p, err := problem.New("orthant", []oracle.Oracle{oracle.NewNonNeg(2), oracle.NewReals(2)}, []float64{0, 0})
	require.NoError(t, err)

	a := &APOP{
		Config: Config{MaxIters: 10, Atol: 1e-12, InitialIterate: []float64{-1, -1}},
		// x ≥ 5 does not contain the optimum.
		Info: []oracle.Certificate{oracle.NewHalfspace([]float64{-1, 0}, -5)},
	}
	res, err := a.Solve(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFejer)
	require.NotNil(t, res)
	assert.Len(t, res.Iterates, 1)

	var fe *FejerError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 0, fe.Iteration)
	assert.InDelta(t, 0, fe.Before, 1e-12)
	assert.InDelta(t, 5, fe.After, 1e-6)

	a.SkipFejerCheck = true
	_, err = a.Solve(context.Background(), p)
	assert.NoError(t, err)
}

func TestAPOPDetectsInfeasibility(t *testing.T) {
	left := oracle.NewHalfspace([]float64{1, 0}, -1)
	right := oracle.NewHalfspace([]float64{-1, 0}, -1)
	p, err := problem.New("disjoint", []oracle.Oracle{left, right}, nil)
	require.NoError(t, err)

	res, err := (&APOP{Config: Config{MaxIters: 10, Atol: 1e-9, InitialIterate: []float64{0, 0}}}).Solve(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, Infeasible, res.Status)
	assert.Len(t, res.Iterates, 1)
}

func TestAPOPFarStartIsNotInfeasible(t *testing.T) {
	left := oracle.NewHalfspace([]float64{1, 0}, 0)
	down := oracle.NewHalfspace([]float64{0, 1}, 0)
	p, err := problem.New("quadrant", []oracle.Oracle{left, down}, nil)
	require.NoError(t, err)

	for _, start := range []float64{4e3, 4e6} {
		a := &APOP{
			Config:  Config{MaxIters: 10, Atol: 1e-6, InitialIterate: []float64{start, start}},
			Average: true,
		}
		res, err := a.Solve(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, Optimal, res.Status, "start=%g", start)
	}
}

func TestAPOPBoundedOuterApproximation(t *testing.T) {
	p := twoCircles(t)
	for _, policy := range []outer.Policy{outer.EvictLRA, outer.EvictRandom, outer.Reset, outer.Subsample} {
		t.Run(policy.String(), func(t *testing.T) {
			a := &APOP{
				Config: circleConfig(),
				Outer:  outer.Config{Policy: policy, MaxHalfspaces: 4},
				Seed:   7,
			}
			res, err := a.Solve(context.Background(), p)
			require.NoError(t, err)
			assert.Less(t, res.FinalResidual().Sum(), res.Residuals[0].Sum())
		})
	}
}

func TestMomentum(t *testing.T) {
	assert.Equal(t, []float64{3, 4}, heavyBall(nil, []float64{1, 1}, []float64{2, 3}, 0.8, 0.2))
	// cur + α v + β (cur − prev) = (1,1) + 0.5(2,2) + 0.5((1,1) − (0,1))
	assert.InDeltaSlice(t, []float64{2.5, 2}, heavyBall([]float64{0, 1}, []float64{1, 1}, []float64{2, 2}, 0.5, 0.5), 1e-15)
	assert.InDeltaSlice(t, []float64{1.5, 0}, relax([]float64{1, 0}, []float64{2, 0}, 0.5), 1e-15)

	cfg := circleConfig()
	cfg.Momentum = DefaultMomentum()
	res, err := (&AveragedProjections{Config: cfg}).Solve(context.Background(), twoCircles(t))
	require.NoError(t, err)
	assert.Less(t, res.FinalResidual().Sum(), res.Residuals[0].Sum())
}

func TestStallTracker(t *testing.T) {
	tr := NewStallTracker(StallConfig{Enabled: true, Patience: 3, Threshold: 0.01})
	assert.False(t, tr.Update(1))
	assert.False(t, tr.Update(0.5))
	assert.False(t, tr.Update(0.499))
	assert.False(t, tr.Update(0.498))
	assert.True(t, tr.Update(0.497))
	assert.Equal(t, 0.497, tr.Best())

	off := NewStallTracker(StallConfig{})
	for i := 0; i < 10; i++ {
		assert.False(t, off.Update(1))
	}
}

func TestStallStopsRunEarly(t *testing.T) {
	cfg := circleConfig()
	cfg.MaxIters = 100
	cfg.Stall = StallConfig{Enabled: true, Patience: 2, Threshold: 0.5}

	res, err := (&AltP{Config: cfg}).Solve(context.Background(), twoCircles(t))
	require.NoError(t, err)
	assert.Equal(t, Inaccurate, res.Status)
	assert.Less(t, res.Steps(), 100)
}

func TestCancellationReturnsPartialResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := (&AltP{Config: circleConfig()}).Solve(ctx, twoCircles(t))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Empty(t, res.Iterates)
}

func TestMetaAPOP(t *testing.T) {
	p := twoCircles(t)
	meta := func() *MetaAPOP {
		return &MetaAPOP{
			APOP:         APOP{Config: circleConfig(), Seed: 11},
			Trajectories: 3,
			Workers:      4,
		}
	}

	res, err := meta().Solve(context.Background(), p)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Iterates), 11)
	assert.Len(t, res.Residuals, len(res.Iterates))
	assert.Less(t, res.FinalResidual().Sum(), 1e-2)

	r, err := p.Residual(context.Background(), res.Final())
	require.NoError(t, err)
	final := res.FinalResidual()
	assert.InDeltaSlice(t, r[:], final[:], 1e-12)

	// Certificates are pooled in trajectory order, so runs are reproducible.
	again, err := meta().Solve(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, res.Final(), again.Final())
}

func TestSCSADMM(t *testing.T) {
	ctx := context.Background()
	scs, err := problem.RandomConeProgram(ctx, rand.New(rand.NewPCG(1, 2)),
		[]problem.ConeBlock{{Kind: "nonneg", Dim: 3}}, 2, 1)
	require.NoError(t, err)

	res, err := (&SCSADMM{Config: Config{MaxIters: 300, Atol: 1e-12}}).Solve(ctx, scs.Problem)
	require.NoError(t, err)
	assert.Less(t, res.FinalResidual().Sum(), 0.25*res.Residuals[0].Sum())

	polished, err := (&SCSADMM{
		Config: Config{MaxIters: 20, Atol: 1e-12},
		Polish: &APOP{Config: Config{MaxIters: 5, Atol: 1e-12}},
	}).Solve(ctx, scs.Problem)
	require.NoError(t, err)
	assert.Greater(t, len(polished.Iterates), 21)
	assert.LessOrEqual(t, len(polished.Iterates), 26)
	assert.Len(t, polished.Residuals, len(polished.Iterates))
}

func TestSCSADMMKeepsAffineAndConeCertificates(t *testing.T) {
	ctx := context.Background()
	scs, err := problem.RandomConeProgram(ctx, rand.New(rand.NewPCG(1, 2)),
		[]problem.ConeBlock{{Kind: "nonneg", Dim: 3}}, 2, 1)
	require.NoError(t, err)

	s := &SCSADMM{
		Config: Config{MaxIters: 5, Atol: 1e-12},
		Polish: &APOP{Config: Config{MaxIters: 5, Atol: 1e-12}},
	}
	x := make([]float64, scs.Problem.Dimension())
	for i := range x {
		x[i] = 1
	}
	_, certs, err := s.step(ctx, scs.Problem.Sets(), x)
	require.NoError(t, err)

	polish := s.polisher(x, certs)
	var hyperplanes int
	for _, c := range polish.Info {
		if c.Kind() == oracle.Hyperplane {
			hyperplanes++
		}
	}
	assert.Positive(t, hyperplanes)
	assert.Equal(t, x, polish.InitialIterate)
}
