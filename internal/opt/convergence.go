package opt

import (
	"log/slog"
	"math"
)

// StallConfig defines when a run counts as stalled.
type StallConfig struct {
	// Enabled controls whether stall detection is active
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Patience is the number of iterations with no significant improvement
	// before stopping
	Patience int `yaml:"patience" json:"patience"`

	// Threshold is the minimum relative decrease of the residual sum that
	// counts as progress. Example: 0.001 = 0.1%
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// DefaultStallConfig returns an enabled config: 10 iterations of patience at
// 0.1% relative improvement.
func DefaultStallConfig() StallConfig {
	return StallConfig{
		Enabled:   true,
		Patience:  10,
		Threshold: 0.001,
	}
}

// StallTracker tracks the residual sum history and reports a stall.
type StallTracker struct {
	config          StallConfig
	history         []float64
	best            float64
	lastSignificant float64
	staleCount      int
}

func NewStallTracker(config StallConfig) *StallTracker {
	return &StallTracker{
		config:          config,
		best:            math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records a residual sum and returns true once progress has stalled.
func (s *StallTracker) Update(residual float64) bool {
	if !s.config.Enabled {
		return false
	}

	s.history = append(s.history, residual)
	if residual < s.best {
		s.best = residual
	}

	if len(s.history) == 1 {
		s.lastSignificant = residual
		return false
	}

	improvement := 0.0
	if s.lastSignificant > 0 {
		improvement = (s.lastSignificant - residual) / s.lastSignificant
	}

	if improvement >= s.config.Threshold && improvement > 0 {
		s.lastSignificant = residual
		s.staleCount = 0
		return false
	}

	s.staleCount++
	slog.Debug("No significant residual improvement",
		"residual", residual,
		"last_significant", s.lastSignificant,
		"relative_improvement", improvement,
		"stale_count", s.staleCount,
		"patience", s.config.Patience,
	)
	if s.staleCount >= s.config.Patience {
		slog.Info("Stall detected - stopping early",
			"stale_count", s.staleCount,
			"patience", s.config.Patience,
			"best_residual", s.best,
		)
		return true
	}
	return false
}

// Best returns the smallest residual sum seen so far.
func (s *StallTracker) Best() float64 {
	return s.best
}

// StaleCount returns the current number of iterations without improvement.
func (s *StallTracker) StaleCount() int {
	return s.staleCount
}
