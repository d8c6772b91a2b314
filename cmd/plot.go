package main

import (
	"fmt"

	"github.com/cwbudde/projmethods/internal/report"
	"github.com/cwbudde/projmethods/internal/store"
	"github.com/spf13/cobra"
)

var (
	plotOut    string
	plotTitle  string
	plotWidth  float64
	plotHeight float64
)

var plotCmd = &cobra.Command{
	Use:   "plot <run-id>...",
	Short: "Plot residual traces of stored runs",
	Long:  `Draws the residual sum per iteration of one or more stored runs on a log scale.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPlot,
}

func init() {
	plotCmd.Flags().StringVar(&plotOut, "out", "residuals.png", "Output path (.png, .svg or .pdf)")
	plotCmd.Flags().StringVar(&plotTitle, "title", "", "Plot title (default: problem name of the first run)")
	plotCmd.Flags().Float64Var(&plotWidth, "width", 16, "Width in cm")
	plotCmd.Flags().Float64Var(&plotHeight, "height", 10, "Height in cm")

	rootCmd.AddCommand(plotCmd)
}

func runPlot(cmd *cobra.Command, args []string) error {
	runStore, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	title := plotTitle
	series := make([]report.Series, 0, len(args))
	for _, id := range args {
		record, err := runStore.LoadRun(id)
		if err != nil {
			return err
		}
		entries, err := store.ReadTrace(dataDir, id)
		if err != nil {
			return fmt.Errorf("failed to read trace of %s: %w", id, err)
		}
		if title == "" {
			title = record.Config.Problem
		}
		name := record.Config.Algorithm
		if len(args) > 1 {
			name = fmt.Sprintf("%s (%s)", name, shortID(id))
		}
		series = append(series, report.FromTrace(name, entries))
	}

	p, err := report.ResidualPlot(series, title)
	if err != nil {
		return err
	}
	if err := report.Save(p, plotOut, plotWidth, plotHeight); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", plotOut)
	return nil
}
