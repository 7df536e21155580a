// Command solverportfolio is the dynamic portfolio scheduler's CLI: it
// runs a model against a portfolio of constraint solvers, restarting
// solvers as the globally best bound tightens, and prints the
// monotonically improving solution stream described by spec.md.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "solverportfolio",
		Short:         "Dynamic portfolio scheduler for constraint solvers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("minizinc-exe", "minizinc", "path to the flattener/minizinc executable")
	root.PersistentFlags().StringP("verbosity", "v", "info", "log verbosity: quiet|error|warning|info")

	root.AddCommand(newRunCmd())
	root.AddCommand(newBuildSolverCacheCmd())
	return root
}
