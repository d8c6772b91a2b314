package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/projmethods/internal/opt"
	"github.com/cwbudde/projmethods/internal/report"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	compareAlgos []string
	compareOut   string
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Run several algorithms on the same problem",
	Long: `Solves one problem with each algorithm in --algos concurrently, prints a
summary table and optionally plots all residual histories together.
The problem and shared settings come from --config or the run flags.`,
	RunE: runCompare,
}

func init() {
	compareCmd.Flags().StringVar(&configPath, "config", "", "YAML experiment file")
	compareCmd.Flags().StringVar(&problemName, "problem", "two-circles", "Problem name")
	compareCmd.Flags().IntVar(&iters, "iters", 100, "Max iterations")
	compareCmd.Flags().Float64Var(&atol, "atol", 1e-4, "Residual tolerance")
	compareCmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed")
	compareCmd.Flags().StringSliceVar(&compareAlgos, "algos", []string{"altp", "avgp", "dykstra", "apop"}, "Algorithms to compare")
	compareCmd.Flags().StringVar(&compareOut, "out", "", "Write a residual plot (.png, .svg or .pdf)")

	rootCmd.AddCommand(compareCmd)
}

type comparison struct {
	name    string
	result  *opt.Result
	err     error
	elapsed time.Duration
}

func runCompare(cmd *cobra.Command, args []string) error {
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

	runs := make([]comparison, len(compareAlgos))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range compareAlgos {
		s := *exp
		s.Algorithm.Name = strings.TrimSpace(name)
		if err := s.Validate(); err != nil {
			return err
		}
		optimizer, err := s.BuildOptimizer()
		if err != nil {
			return err
		}
		runs[i].name = optimizer.Name()
		g.Go(func() error {
			start := time.Now()
			runs[i].result, runs[i].err = optimizer.Solve(gctx, inst.Problem)
			runs[i].elapsed = time.Since(start)
			if runs[i].err != nil {
				slog.Warn("Algorithm failed", "algorithm", runs[i].name, "error", runs[i].err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALGORITHM\tSTATUS\tITERS\tRESIDUAL\tELAPSED\tERROR")
	var series []report.Series
	for _, r := range runs {
		if r.result == nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t%v\t%v\n", r.name, r.elapsed.Round(time.Millisecond), r.err)
			continue
		}
		errStr := ""
		if r.err != nil {
			errStr = r.err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.3e\t%v\t%s\n",
			r.name, r.result.Status, r.result.Steps(), r.result.FinalResidual().Sum(),
			r.elapsed.Round(time.Millisecond), errStr)
		if len(r.result.Residuals) > 0 {
			series = append(series, report.FromResult(r.name, r.result))
		}
	}
	w.Flush()

	if compareOut != "" {
		p, err := report.ResidualPlot(series, inst.Problem.Name())
		if err != nil {
			return err
		}
		if err := report.Save(p, compareOut, 16, 10); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", compareOut)
	}
	return nil
}
