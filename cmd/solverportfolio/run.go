package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gitrdm/solverportfolio/pkg/portfolio"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/advisor"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/bound"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/compile"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/discovery"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/memenforce"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/modelinterface"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/orchestrator"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/scheduler"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/schedule"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/sighandler"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/solvermgr"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <model> [data]",
		Short: "Run the dynamic portfolio scheduler against a model",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runRun,
	}

	flags := cmd.Flags()
	flags.String("ai", "none", "advisor kind: none|simple|command-line")
	flags.String("ai-config", "", "advisor configuration, k1=v1,k2=v2,...")
	flags.IntP("cores", "p", runtime.NumCPU(), "total core budget for the run")
	flags.Bool("pin-yuck", false, "pin each solver's process to a dedicated set of CPU cores")
	flags.BoolP("free-search", "f", false, "pass free-search (-f) to every solver")
	flags.String("feature-extraction-solver-id", "", "solver id used to flatten the feature-extraction model")
	flags.String("feature-extractor-exe", "", "path to the feature-extractor executable")
	flags.String("solver-config-mode", "discover", "solver-config-mode: discover|cache")
	flags.Bool("enforce-memory", false, "run the periodic memory enforcer")
	flags.Duration("static-runtime", orchestrator.DefaultStaticRuntime, "how long to run the static portfolio before branching")
	flags.Duration("restart-interval", orchestrator.DefaultRestartInterval, "interval between restart-loop re-applies")
	flags.Duration("feature-timeout", orchestrator.DefaultFeatureTimeout, "deadline for feature extraction")
	flags.String("static-schedule", "", "CSV file of the static portfolio (default: built-in one-solver portfolio)")
	flags.String("timeout-schedule", "", "CSV file of the fallback portfolio (default: same as static)")
	flags.String("solver-compiler-priority", "", "per-solver extra flags, name:flag1|flag2,name2:flag3")
	flags.String("output-mode", "item", "flattener --output-mode value")
	flags.String("rewriter-exe", "solverportfolio-rewriter", "path to the solution-stream rewriter executable")
	flags.String("probe-solver", "gecode", "solver id used only to query the model's objective type")
	flags.String("fallback-solver-exe", "", "fallback solver executable run if every portfolio slot fails")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	minizincExe, _ := cmd.Flags().GetString("minizinc-exe")
	verbosity, _ := cmd.Flags().GetString("verbosity")
	log, err := newLogger(verbosity)
	if err != nil {
		return err
	}
	defer log.Sync()

	model := args[0]
	data := ""
	if len(args) > 1 {
		data = args[1]
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigHandler := sighandler.New(log)
	go sigHandler.Run(ctx)

	probeSolver, _ := cmd.Flags().GetString("probe-solver")
	objType, err := modelinterface.DetectObjectiveType(ctx, minizincExe, model, data, probeSolver)
	if err != nil {
		return fmt.Errorf("model-interface: %w", err)
	}

	solverConfigMode, _ := cmd.Flags().GetString("solver-config-mode")
	cachePath, err := discovery.CachePath()
	if err != nil {
		return err
	}
	discovered, err := discovery.Resolve(ctx, log, solverConfigMode, minizincExe, cachePath)
	if err != nil {
		return err
	}

	staticPortfolio, err := loadScheduleFlag(cmd, "static-schedule")
	if err != nil {
		return err
	}
	timeoutPortfolio, err := loadScheduleFlag(cmd, "timeout-schedule")
	if err != nil {
		return err
	}

	outputMode, _ := cmd.Flags().GetString("output-mode")
	tmpDir := os.TempDir()
	compiler := compile.NewManager(log, newFlattenFunc(log, minizincExe, model, data, outputMode, tmpDir))

	bcast := bound.New()
	cores, _ := cmd.Flags().GetInt("cores")
	pinCPU, _ := cmd.Flags().GetBool("pin-yuck")
	freeSearch, _ := cmd.Flags().GetBool("free-search")
	rewriterExe, _ := cmd.Flags().GetString("rewriter-exe")
	priorityFlags, err := parseSolverCompilerPriority(cmd)
	if err != nil {
		return err
	}

	totalCores := make([]int, cores)
	for i := range totalCores {
		totalCores[i] = i
	}

	solvers := solvermgr.NewManager(log, compiler, bcast, objType, solvermgr.Config{
		MinizincExe: minizincExe,
		RewriterExe: rewriterExe,
		SolverFlags: priorityFlags,
		FreeSearch:  freeSearch,
		PinCPU:      pinCPU,
		TmpDir:      tmpDir,
	}, discovered, totalCores)

	sched := scheduler.New(log, solvers, bcast, objType, cores)

	go dispatchSignals(sigHandler, solvers, cancel)

	aiKind, _ := cmd.Flags().GetString("ai")
	aiConfigRaw, _ := cmd.Flags().GetString("ai-config")
	aiConfig, err := advisor.ParseConfig(aiConfigRaw)
	if err != nil {
		return err
	}
	ai, err := advisor.New(aiKind, aiConfig)
	if err != nil {
		return err
	}

	featureExtractorExe, _ := cmd.Flags().GetString("feature-extractor-exe")
	featureSolverID, _ := cmd.Flags().GetString("feature-extraction-solver-id")
	var featureFznPath string
	if featureExtractorExe != "" && featureSolverID != "" {
		if res, err := compiler.Wait(ctx, featureSolverID); err == nil {
			featureFznPath = res.FznPath
			defer res.Release()
		}
	}

	staticRuntime, _ := cmd.Flags().GetDuration("static-runtime")
	restartInterval, _ := cmd.Flags().GetDuration("restart-interval")
	featureTimeout, _ := cmd.Flags().GetDuration("feature-timeout")
	enforceMemory, _ := cmd.Flags().GetBool("enforce-memory")
	fallbackExe, _ := cmd.Flags().GetString("fallback-solver-exe")

	orch := orchestrator.New(log, orchestrator.Config{
		StaticPortfolio:      staticPortfolio,
		TimeoutPortfolio:     timeoutPortfolio,
		StaticRuntime:        staticRuntime,
		FeatureTimeout:       featureTimeout,
		RestartInterval:      restartInterval,
		Cores:                cores,
		AI:                   ai,
		FeatureExtractorExe:  featureExtractorExe,
		FeatureFznPath:       featureFznPath,
		FallbackSolverExe:    fallbackExe,
		SchedulerWidth:       cores,
		EnforceMemory:        enforceMemory,
		MemoryConfig:         memenforce.Config{TotalCores: cores},
		Stdout:               os.Stdout,
	}, objType, solvers, sched, bcast)

	outcome, runErr := orch.Run(ctx)
	switch outcome {
	case orchestrator.OutcomeFallbackSuccess:
		os.Exit(2)
	case orchestrator.OutcomeFailure:
		return runErr
	}
	return nil
}

// dispatchSignals bridges sighandler.Events to the solver manager, per
// spec.md §4.6 "Signal integration": a cooperative suspend signal stops all
// solvers (sighandler itself raises the matching signal on self); a resume
// signal resumes them; terminate/hangup cancel the run.
func dispatchSignals(h *sighandler.Handler, solvers *solvermgr.Manager, cancel context.CancelFunc) {
	for ev := range h.Events() {
		switch ev {
		case sighandler.EventTerminate, sighandler.EventHangup:
			cancel()
			return
		case sighandler.EventSuspend:
			solvers.SuspendAll()
			h.Ack()
		case sighandler.EventResume:
			solvers.ResumeAll()
		}
	}
}

func loadScheduleFlag(cmd *cobra.Command, flag string) (portfolio.Portfolio, error) {
	path, _ := cmd.Flags().GetString(flag)
	if path == "" {
		return nil, nil
	}
	return schedule.Load(path)
}

// parseSolverCompilerPriority turns "--solver-compiler-priority
// name:flag1|flag2,name2:flag3" into the per-solver extra-flags function
// solvermgr.Config.SolverFlags needs.
func parseSolverCompilerPriority(cmd *cobra.Command) (func(name string) []string, error) {
	raw, _ := cmd.Flags().GetString("solver-compiler-priority")
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	perSolver := make(map[string][]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, flagList, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("--solver-compiler-priority: expected name:flag1|flag2, got %q", entry)
		}
		perSolver[strings.TrimSpace(name)] = strings.Split(flagList, "|")
	}
	return func(name string) []string { return perSolver[name] }, nil
}
