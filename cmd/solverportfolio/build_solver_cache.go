package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gitrdm/solverportfolio/pkg/portfolio/discovery"
)

func newBuildSolverCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build-solver-cache",
		Short: "Pre-populate the solver discovery disk cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			minizincExe, _ := cmd.Flags().GetString("minizinc-exe")
			verbosity, _ := cmd.Flags().GetString("verbosity")

			log, err := newLogger(verbosity)
			if err != nil {
				return err
			}
			defer log.Sync()

			path, err := discovery.CachePath()
			if err != nil {
				return err
			}
			metas, err := discovery.Refresh(cmd.Context(), log, minizincExe, path)
			if err != nil {
				return err
			}
			log.Info("solver cache refreshed", zap.Int("count", len(metas)), zap.String("path", path))
			return nil
		},
	}
	return cmd
}
