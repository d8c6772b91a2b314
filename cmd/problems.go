package main

import (
	"fmt"

	"github.com/cwbudde/projmethods/internal/experiment"
	"github.com/cwbudde/projmethods/internal/outer"
	"github.com/cwbudde/projmethods/internal/problem"
	"github.com/spf13/cobra"
)

var problemsCmd = &cobra.Command{
	Use:   "problems",
	Short: "List problems, algorithms and outer approximation policies",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Problems:")
		for _, name := range problem.Names() {
			fmt.Printf("  %s\n", name)
		}
		fmt.Println("Algorithms:")
		for _, name := range experiment.Algorithms() {
			fmt.Printf("  %s\n", name)
		}
		fmt.Println("Policies:")
		for _, p := range []outer.Policy{outer.Exact, outer.EvictLRA, outer.EvictRandom, outer.Reset, outer.Subsample} {
			fmt.Printf("  %s\n", p)
		}
	},
}

func init() {
	rootCmd.AddCommand(problemsCmd)
}
