// Package outer manages a polyhedral outer approximation built from
// separating certificates, with bounded memory and an eviction policy.
package outer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/cwbudde/projmethods/internal/oracle"
	"github.com/cwbudde/projmethods/internal/qp"
)

// Policy decides what the outer approximation keeps once a capacity is hit.
type Policy int

const (
	// Exact keeps everything; capacities must be unbounded.
	Exact Policy = iota
	// EvictLRA drops the least recently added certificate.
	EvictLRA
	// EvictRandom drops a uniformly chosen certificate.
	EvictRandom
	// Reset drops every retained certificate of that kind.
	Reset
	// Subsample keeps everything but exposes a fresh random subsample on
	// each read.
	Subsample
)

var policyNames = map[Policy]string{
	Exact:       "exact",
	EvictLRA:    "evict_lra",
	EvictRandom: "evict_random",
	Reset:       "reset",
	Subsample:   "subsample",
}

func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy accepts the String() names plus the short aliases "lra" and
// "random". Matching is case-insensitive and treats '-' like '_'.
func ParsePolicy(s string) (Policy, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	switch key {
	case "lra", "elra":
		return EvictLRA, nil
	case "random", "erandom":
		return EvictRandom, nil
	}
	for p, name := range policyNames {
		if name == key {
			return p, nil
		}
	}
	return 0, &ConfigError{Field: "Policy", Reason: fmt.Sprintf("unknown policy %q", s)}
}

// Config sizes the outer approximation. A capacity of zero is unbounded.
type Config struct {
	MaxHyperplanes int    `yaml:"max_hyperplanes" json:"maxHyperplanes"`
	MaxHalfspaces  int    `yaml:"max_halfspaces" json:"maxHalfspaces"`
	Policy         Policy `yaml:"-" json:"policy"`
}

// Validate checks the capacity rules of the policy.
func (c Config) Validate() error {
	if c.MaxHyperplanes < 0 {
		return &ConfigError{Field: "MaxHyperplanes", Reason: "cannot be negative"}
	}
	if c.MaxHalfspaces < 0 {
		return &ConfigError{Field: "MaxHalfspaces", Reason: "cannot be negative"}
	}
	if _, ok := policyNames[c.Policy]; !ok {
		return &ConfigError{Field: "Policy", Reason: "unknown policy " + c.Policy.String()}
	}
	if c.Policy == Exact && (c.MaxHyperplanes != 0 || c.MaxHalfspaces != 0) {
		return &ConfigError{Field: "Policy", Reason: "exact policy requires unbounded capacities"}
	}
	return nil
}

// ConfigError reports an invalid manager configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "outer approximation config error: " + e.Field + " " + e.Reason
}

// ErrInvalidConfig matches every *ConfigError.
var ErrInvalidConfig = &ConfigError{}

func (e *ConfigError) Is(target error) bool {
	_, ok := target.(*ConfigError)
	return ok
}

// Manager owns the canonical polyhedron, which only grows, and the retained
// lists that form the outer approximation handed to callers.
//
// Add takes a write lock and Outer a read lock (Subsample also takes the rng
// lock), so concurrent readers are safe.
type Manager struct {
	mu        sync.RWMutex
	rngMu     sync.Mutex
	dim       int
	config    Config
	projector *qp.Projector
	rng       *rand.Rand

	canonical   *oracle.Polyhedron
	hyperplanes []oracle.Certificate
	halfspaces  []oracle.Certificate
}

// New creates an empty manager over R^dim. rng is required for the random
// policies.
func New(dim int, config Config, projector *qp.Projector, rng *rand.Rand) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if rng == nil && (config.Policy == EvictRandom || config.Policy == Subsample) {
		return nil, &ConfigError{Field: "Rand", Reason: "required by policy " + config.Policy.String()}
	}
	if projector == nil {
		projector = qp.Default()
	}
	canonical, err := oracle.NewPolyhedron(dim, projector)
	if err != nil {
		return nil, err
	}
	return &Manager{
		dim:       dim,
		config:    config,
		projector: projector,
		rng:       rng,
		canonical: canonical,
	}, nil
}

func (m *Manager) Dim() int { return m.dim }

// Config returns the manager configuration.
func (m *Manager) Config() Config { return m.config }

// Add feeds certificates in order. The canonical polyhedron receives all of
// them; the retained lists follow the policy.
func (m *Manager) Add(certs ...oracle.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.canonical.Add(certs...); err != nil {
		return fmt.Errorf("failed to add certificates: %w", err)
	}
	for _, c := range certs {
		if c.Kind() == oracle.Hyperplane {
			m.hyperplanes = m.retain(m.hyperplanes, c, m.config.MaxHyperplanes)
		} else {
			m.halfspaces = m.retain(m.halfspaces, c, m.config.MaxHalfspaces)
		}
	}
	return nil
}

func (m *Manager) retain(items []oracle.Certificate, c oracle.Certificate, capacity int) []oracle.Certificate {
	if capacity == 0 || len(items) < capacity {
		return append(items, c)
	}
	switch m.config.Policy {
	case EvictLRA:
		items = append(items[:0:0], items[1:]...)
	case EvictRandom:
		i := m.intN(len(items))
		items = append(items[:i:i], items[i+1:]...)
	case Reset:
		items = nil
	}
	return append(items, c)
}

// Outer returns the current outer approximation. The result is a new
// polyhedron only when it differs from the canonical one; callers must not
// Add to it.
func (m *Manager) Outer() (*oracle.Polyhedron, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nh := len(m.canonical.Hyperplanes())
	ns := len(m.canonical.Halfspaces())
	if m.config.Policy == Exact || (within(nh, m.config.MaxHyperplanes) && within(ns, m.config.MaxHalfspaces)) {
		return m.canonical, nil
	}

	var certs []oracle.Certificate
	if m.config.Policy == Subsample {
		certs = append(certs, m.sample(m.canonical.Hyperplanes(), m.config.MaxHyperplanes)...)
		certs = append(certs, m.sample(m.canonical.Halfspaces(), m.config.MaxHalfspaces)...)
	} else {
		certs = append(certs, m.hyperplanes...)
		certs = append(certs, m.halfspaces...)
	}
	p, err := oracle.NewPolyhedron(m.dim, m.projector, certs...)
	if err != nil {
		return nil, fmt.Errorf("failed to build outer approximation: %w", err)
	}
	return p, nil
}

// Canonical returns the polyhedron of every certificate ever added.
func (m *Manager) Canonical() *oracle.Polyhedron {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.canonical
}

// Len returns the number of retained hyperplanes and halfspaces.
func (m *Manager) Len() (hyperplanes, halfspaces int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hyperplanes), len(m.halfspaces)
}

// Project projects onto Outer().
func (m *Manager) Project(ctx context.Context, x []float64) ([]float64, error) {
	o, err := m.Outer()
	if err != nil {
		return nil, err
	}
	return o.Project(ctx, x)
}

// Query delegates to Outer(). A point outside the canonical polyhedron can
// be reported as contained when eviction has loosened the approximation.
func (m *Manager) Query(ctx context.Context, x []float64) ([]float64, []oracle.Certificate, error) {
	o, err := m.Outer()
	if err != nil {
		return nil, nil, err
	}
	return o.Query(ctx, x)
}

func (m *Manager) sample(items []oracle.Certificate, capacity int) []oracle.Certificate {
	if within(len(items), capacity) {
		return items
	}
	// Partial Fisher–Yates.
	for i := 0; i < capacity; i++ {
		j := i + m.intN(len(items)-i)
		items[i], items[j] = items[j], items[i]
	}
	return items[:capacity]
}

func (m *Manager) intN(n int) int {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.IntN(n)
}

func within(n, capacity int) bool {
	return capacity == 0 || n <= capacity
}
