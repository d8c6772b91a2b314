package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/cwbudde/projmethods/internal/experiment"
	"github.com/cwbudde/projmethods/internal/opt"
	"github.com/cwbudde/projmethods/internal/report"
	"github.com/cwbudde/projmethods/internal/store"
	"github.com/spf13/cobra"
)

var (
	dataDir     string
	configPath  string
	problemName string
	algoName    string
	iters       int
	atol        float64
	seed        uint64
	average     bool
	theta       float64
	momentum    bool
	planeSearch int
	noSave      bool
	plotPath    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Solve one feasibility problem",
	Long: `Builds a problem from the catalog, solves it with the chosen algorithm
and stores the run record and residual trace under --data-dir.
Flags override the values of an experiment file given with --config.`,
	RunE: runSolve,
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "YAML experiment file")
	runCmd.Flags().StringVar(&problemName, "problem", "two-circles", "Problem name (see 'problems')")
	runCmd.Flags().StringVar(&algoName, "algo", "apop", "Algorithm name (see 'problems')")
	runCmd.Flags().IntVar(&iters, "iters", 100, "Max iterations")
	runCmd.Flags().Float64Var(&atol, "atol", 1e-4, "Residual tolerance")
	runCmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed")
	runCmd.Flags().BoolVar(&average, "average", false, "Use averaged intermediate points (apop, meta-apop)")
	runCmd.Flags().Float64Var(&theta, "theta", 0, "Relaxation in (0, 2); 0 means no relaxation")
	runCmd.Flags().BoolVar(&momentum, "momentum", false, "Enable heavy-ball momentum (alpha 0.8, beta 0.2)")
	runCmd.Flags().IntVar(&planeSearch, "plane-search", 0, "Plane search depth for alternating projections")
	runCmd.Flags().BoolVar(&noSave, "no-save", false, "Do not store the run")
	runCmd.Flags().StringVar(&plotPath, "plot", "", "Write a residual plot (.png, .svg or .pdf)")

	rootCmd.AddCommand(runCmd)
}

// loadExperiment reads the experiment file, if any, and applies the flags the
// user set explicitly.
func loadExperiment(cmd *cobra.Command) (*experiment.Config, error) {
	exp := experiment.Defaults()
	if configPath != "" {
		loaded, err := experiment.Load(configPath)
		if err != nil {
			return nil, err
		}
		exp = *loaded
	}

	flags := cmd.Flags()
	if configPath == "" || flags.Changed("problem") {
		exp.Problem.Name = problemName
	}
	if configPath == "" || flags.Changed("algo") {
		exp.Algorithm.Name = algoName
	}
	if configPath == "" || flags.Changed("iters") {
		exp.Algorithm.MaxIters = iters
	}
	if configPath == "" || flags.Changed("atol") {
		exp.Algorithm.Atol = atol
	}
	if flags.Changed("seed") {
		exp.Seed = seed
	}
	if flags.Changed("average") {
		exp.Algorithm.Average = average
	}
	if flags.Changed("theta") {
		exp.Algorithm.Theta = theta
	}
	if flags.Changed("momentum") {
		exp.Algorithm.Momentum = nil
		if momentum {
			exp.Algorithm.Momentum = opt.DefaultMomentum()
		}
	}
	if flags.Changed("plane-search") {
		exp.Algorithm.PlaneSearch = planeSearch
	}

	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return &exp, nil
}

func runSolve(cmd *cobra.Command, args []string) error {
	exp, err := loadExperiment(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	inst, err := exp.BuildProblem(ctx)
	if err != nil {
		return fmt.Errorf("failed to build problem: %w", err)
	}
	optimizer, err := exp.BuildOptimizer()
	if err != nil {
		return err
	}

	slog.Info("Solving",
		"problem", inst.Problem.Name(),
		"dimension", inst.Problem.Dimension(),
		"algorithm", optimizer.Name(),
		"seed", exp.Seed,
	)

	start := time.Now()
	res, solveErr := optimizer.Solve(ctx, inst.Problem)
	elapsed := time.Since(start)
	if res == nil {
		return fmt.Errorf("%s failed: %w", optimizer.Name(), solveErr)
	}
	if solveErr != nil {
		slog.Warn("Run aborted, keeping partial result", "error", solveErr)
	}

	classification := ""
	if inst.Embedding != nil && len(res.Iterates) > 0 {
		classification = inst.Embedding.Classify(res.Final()).String()
	}

	final := res.FinalResidual()
	fmt.Printf("%s on %s: %s after %d iterations (residual %.3e + %.3e, %v)\n",
		optimizer.Name(), inst.Problem.Name(), res.Status, res.Steps(), final[0], final[1], elapsed.Round(time.Millisecond))
	if classification != "" {
		fmt.Printf("Cone program classification: %s\n", classification)
	}

	if !noSave {
		st, err := store.NewFSStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to create run store: %w", err)
		}
		id, err := exp.Save(st, experiment.Outcome{
			Problem:        inst.Problem,
			Result:         res,
			Err:            solveErr,
			Classification: classification,
			Elapsed:        elapsed,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Saved run %s\n", id)
	}

	if plotPath != "" {
		p, err := report.ResidualPlot([]report.Series{report.FromResult(optimizer.Name(), res)}, inst.Problem.Name())
		if err != nil {
			return err
		}
		if err := report.Save(p, plotPath, 16, 10); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", plotPath)
	}

	return solveErr
}
