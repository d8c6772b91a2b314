// Package experiment loads YAML experiment files that name a problem and an
// algorithm, and builds them.
package experiment

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/projmethods/internal/opt"
	"github.com/cwbudde/projmethods/internal/outer"
	"github.com/cwbudde/projmethods/internal/problem"
)

// Config is one experiment.
type Config struct {
	Problem   ProblemConfig   `yaml:"problem"`
	Algorithm AlgorithmConfig `yaml:"algorithm"`
	Seed      uint64          `yaml:"seed"`
}

// ProblemConfig names a catalog problem and its parameters.
type ProblemConfig struct {
	Name   string         `yaml:"name"`
	Params problem.Params `yaml:"params,omitempty"`
}

// AlgorithmConfig configures an optimizer. Fields an algorithm does not use
// are ignored.
type AlgorithmConfig struct {
	Name           string           `yaml:"name"`
	MaxIters       int              `yaml:"max_iters"`
	Atol           float64          `yaml:"atol"`
	DoAllIters     bool             `yaml:"do_all_iters,omitempty"`
	InitialIterate []float64        `yaml:"initial_iterate,omitempty"`
	Momentum       *opt.Momentum    `yaml:"momentum,omitempty"`
	Stall          *opt.StallConfig `yaml:"stall,omitempty"`

	// alternating
	PlaneSearch int `yaml:"plane_search,omitempty"`

	// apop, meta-apop
	Average         bool    `yaml:"average,omitempty"`
	Theta           float64 `yaml:"theta,omitempty"`
	Policy          string  `yaml:"policy,omitempty"`
	MaxHyperplanes  int     `yaml:"max_hyperplanes,omitempty"`
	MaxHalfspaces   int     `yaml:"max_halfspaces,omitempty"`
	DataHyperplanes int     `yaml:"data_hyperplanes,omitempty"`
	SkipFejerCheck  bool    `yaml:"skip_fejer_check,omitempty"`
	Trajectories    int     `yaml:"trajectories,omitempty"`
	Workers         int     `yaml:"workers,omitempty"`

	// scs-admm
	Polish *PolishConfig `yaml:"polish,omitempty"`
}

// PolishConfig configures the APOP run that follows SCS-ADMM.
type PolishConfig struct {
	MaxIters int     `yaml:"max_iters"`
	Atol     float64 `yaml:"atol,omitempty"`
	Average  bool    `yaml:"average,omitempty"`
}

var algorithms = map[string]func(c *Config, cfg opt.Config) (opt.Optimizer, error){
	"altp": func(_ *Config, cfg opt.Config) (opt.Optimizer, error) {
		return &opt.AltP{Config: cfg}, nil
	},
	"alternating": func(c *Config, cfg opt.Config) (opt.Optimizer, error) {
		return &opt.AlternatingProjections{Config: cfg, PlaneSearch: c.Algorithm.PlaneSearch}, nil
	},
	"avgp": func(_ *Config, cfg opt.Config) (opt.Optimizer, error) {
		return &opt.AveragedProjections{Config: cfg}, nil
	},
	"dykstra": func(_ *Config, cfg opt.Config) (opt.Optimizer, error) {
		return &opt.Dykstra{Config: cfg}, nil
	},
	"polyak": func(_ *Config, cfg opt.Config) (opt.Optimizer, error) {
		return &opt.Polyak{Config: cfg}, nil
	},
	"apop": func(c *Config, cfg opt.Config) (opt.Optimizer, error) {
		a, err := c.apop(cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
	"meta-apop": func(c *Config, cfg opt.Config) (opt.Optimizer, error) {
		a, err := c.apop(cfg)
		if err != nil {
			return nil, err
		}
		return &opt.MetaAPOP{APOP: *a, Trajectories: c.Algorithm.Trajectories, Workers: c.Algorithm.Workers}, nil
	},
	"scs-admm": func(c *Config, cfg opt.Config) (opt.Optimizer, error) {
		o := &opt.SCSADMM{Config: cfg}
		if p := c.Algorithm.Polish; p != nil {
			atol := p.Atol
			if atol == 0 {
				atol = cfg.Atol
			}
			o.Polish = &opt.APOP{
				Config:  opt.Config{MaxIters: p.MaxIters, Atol: atol},
				Average: p.Average,
				Seed:    c.Seed,
			}
		}
		return o, nil
	},
}

// Algorithms lists the supported algorithm names in sorted order.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for n := range algorithms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Defaults returns APOP on the two-circle problem with 100 iterations.
func Defaults() Config {
	return Config{
		Problem: ProblemConfig{Name: "two-circles"},
		Algorithm: AlgorithmConfig{
			Name:     "apop",
			MaxIters: 100,
			Atol:     1e-4,
			Policy:   outer.Exact.String(),
		},
	}
}

// Load reads a YAML experiment. Fields missing from the file keep their
// defaults; unknown fields are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML experiment.
func Parse(data []byte) (*Config, error) {
	exp := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&exp); err != nil {
		return nil, fmt.Errorf("failed to parse experiment: %w", err)
	}
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return &exp, nil
}

// Marshal encodes the experiment as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode experiment: %w", err)
	}
	return data, nil
}

// Validate checks names and budgets. Algorithm-specific settings are
// validated by the optimizer itself.
func (c *Config) Validate() error {
	if !contains(problem.Names(), c.Problem.Name) {
		return &ValidationError{Field: "problem.name", Reason: fmt.Sprintf("unknown problem %q (known: %v)", c.Problem.Name, problem.Names())}
	}
	if _, ok := algorithms[c.Algorithm.Name]; !ok {
		return &ValidationError{Field: "algorithm.name", Reason: fmt.Sprintf("unknown algorithm %q (known: %v)", c.Algorithm.Name, Algorithms())}
	}
	if c.Algorithm.MaxIters <= 0 {
		return &ValidationError{Field: "algorithm.max_iters", Reason: "must be positive"}
	}
	if c.Algorithm.Atol < 0 {
		return &ValidationError{Field: "algorithm.atol", Reason: "cannot be negative"}
	}
	if _, err := c.policy(); err != nil {
		return &ValidationError{Field: "algorithm.policy", Reason: err.Error()}
	}
	if p := c.Algorithm.Polish; p != nil && p.MaxIters <= 0 {
		return &ValidationError{Field: "algorithm.polish.max_iters", Reason: "must be positive"}
	}
	return nil
}

// BuildProblem generates the problem from the experiment seed.
func (c *Config) BuildProblem(ctx context.Context) (problem.Instance, error) {
	rng := rand.New(rand.NewPCG(c.Seed, c.Seed^0x5eed))
	return problem.Build(ctx, c.Problem.Name, c.Problem.Params, rng)
}

// BuildOption adjusts the optimizer configuration beyond what the file
// describes.
type BuildOption func(*opt.Config)

// WithProgress reports every recorded residual to fn.
func WithProgress(fn func(iteration int, r problem.Residual)) BuildOption {
	return func(c *opt.Config) { c.OnIterate = fn }
}

// BuildOptimizer returns the configured optimizer.
func (c *Config) BuildOptimizer(opts ...BuildOption) (opt.Optimizer, error) {
	build, ok := algorithms[c.Algorithm.Name]
	if !ok {
		return nil, &ValidationError{Field: "algorithm.name", Reason: fmt.Sprintf("unknown algorithm %q", c.Algorithm.Name)}
	}
	cfg := opt.Config{
		MaxIters:       c.Algorithm.MaxIters,
		Atol:           c.Algorithm.Atol,
		DoAllIters:     c.Algorithm.DoAllIters,
		InitialIterate: c.Algorithm.InitialIterate,
		Momentum:       c.Algorithm.Momentum,
	}
	if c.Algorithm.Stall != nil {
		cfg.Stall = *c.Algorithm.Stall
	}
	for _, o := range opts {
		o(&cfg)
	}
	return build(c, cfg)
}

func (c *Config) policy() (outer.Policy, error) {
	if c.Algorithm.Policy == "" {
		return outer.Exact, nil
	}
	return outer.ParsePolicy(c.Algorithm.Policy)
}

func (c *Config) apop(cfg opt.Config) (*opt.APOP, error) {
	policy, err := c.policy()
	if err != nil {
		return nil, err
	}
	return &opt.APOP{
		Config:  cfg,
		Average: c.Algorithm.Average,
		Theta:   c.Algorithm.Theta,
		Outer: outer.Config{
			MaxHyperplanes: c.Algorithm.MaxHyperplanes,
			MaxHalfspaces:  c.Algorithm.MaxHalfspaces,
			Policy:         policy,
		},
		DataHyperplanes: c.Algorithm.DataHyperplanes,
		SkipFejerCheck:  c.Algorithm.SkipFejerCheck,
		Seed:            c.Seed,
	}, nil
}

// ValidationError reports an invalid experiment.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "experiment validation error: " + e.Field + " " + e.Reason
}

// ErrInvalid matches every *ValidationError.
var ErrInvalid = &ValidationError{}

func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
