package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/cwbudde/projmethods/internal/experiment"
	"github.com/cwbudde/projmethods/internal/opt"
	"github.com/cwbudde/projmethods/internal/tune"
	"github.com/spf13/cobra"
)

var (
	tuneProblem  string
	tuneSolveIts int
	tuneIters    int
	tunePop      int
	tuneSeed     int64
	tuneMomentum bool
	tuneAverage  bool
)

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Search APOP relaxation and momentum with Mayfly",
	Long: `Runs the Mayfly metaheuristic over the APOP relaxation parameter and,
with --momentum, the heavy-ball coefficients, minimising the final residual
on one problem.`,
	RunE: runTune,
}

func init() {
	tuneCmd.Flags().StringVar(&tuneProblem, "problem", "two-circles", "Problem name")
	tuneCmd.Flags().IntVar(&tuneSolveIts, "solve-iters", 50, "APOP iterations per evaluation")
	tuneCmd.Flags().IntVar(&tuneIters, "iters", 20, "Mayfly iterations")
	tuneCmd.Flags().IntVar(&tunePop, "pop", 20, "Mayfly population size (at least 20)")
	tuneCmd.Flags().Int64Var(&tuneSeed, "seed", 42, "Random seed")
	tuneCmd.Flags().BoolVar(&tuneMomentum, "momentum", false, "Also tune heavy-ball alpha and beta")
	tuneCmd.Flags().BoolVar(&tuneAverage, "average", false, "Use averaged intermediate points")

	rootCmd.AddCommand(tuneCmd)
}

func runTune(cmd *cobra.Command, args []string) error {
	exp := experiment.Defaults()
	exp.Problem.Name = tuneProblem
	exp.Seed = uint64(tuneSeed)
	if err := exp.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	inst, err := exp.BuildProblem(ctx)
	if err != nil {
		return fmt.Errorf("failed to build problem: %w", err)
	}

	search := &tune.Search{
		Problem: inst.Problem,
		Base: opt.APOP{
			Config:  opt.Config{MaxIters: tuneSolveIts, Atol: 1e-12},
			Average: tuneAverage,
			Seed:    exp.Seed,
		},
		Momentum: tuneMomentum,
		MaxIters: tuneIters,
		PopSize:  tunePop,
		Seed:     tuneSeed,
	}
	out, err := search.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Best theta: %.4f\n", out.Params.Theta)
	if m := out.Params.Momentum; m != nil {
		fmt.Printf("Best momentum: alpha %.4f, beta %.4f\n", m.Alpha, m.Beta)
	}
	fmt.Printf("Final residual: %.3e (%d evaluations, %v)\n", out.Residual(), out.Evaluations, out.Elapsed)
	return nil
}
