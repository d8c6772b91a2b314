// Package tune searches algorithm hyper-parameters with the Mayfly
// metaheuristic.
package tune

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// minimize runs Mayfly on eval over [lower, upper]^dim and returns the best
// position and its cost.
func minimize(eval func([]float64) float64, lower, upper float64, dim, maxIters, popSize int, seed int64) ([]float64, float64, error) {
	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = eval
	config.ProblemSize = dim
	config.MaxIterations = maxIters
	config.NPop = popSize

	// Mayfly uses scalar bounds shared by all dimensions.
	config.LowerBound = lower
	config.UpperBound = upper

	config.Rand = rand.New(rand.NewSource(seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly optimization failed: %w", err)
	}
	return result.GlobalBest.Position, result.GlobalBest.Cost, nil
}
