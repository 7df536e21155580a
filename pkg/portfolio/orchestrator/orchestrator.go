// Package orchestrator drives one run of the dynamic portfolio scheduler,
// wiring together the solver-process manager, scheduler, memory enforcer,
// and the merged-event "receiver" into the pipeline described by spec.md
// §4.6. The signal handler is wired by the CLI, not here.
package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.trai.ch/zerr"
	"go.uber.org/zap"

	"github.com/gitrdm/solverportfolio/pkg/portfolio"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/advisor"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/bound"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/memenforce"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/parser"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/scheduler"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/schedule"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/solvermgr"
)

// Default timing constants (spec.md §4.6, §5 "Timeouts").
const (
	DefaultStaticRuntime   = 5 * time.Second
	DefaultFeatureTimeout  = 10 * time.Second
	DefaultRestartInterval = 7 * time.Second
)

// Config gathers everything one run needs beyond the solver-process
// manager and scheduler, which the caller constructs and passes to New.
type Config struct {
	StaticPortfolio  portfolio.Portfolio // nil => schedule.Default()
	TimeoutPortfolio portfolio.Portfolio // nil => same as StaticPortfolio

	StaticRuntime   time.Duration
	FeatureTimeout  time.Duration
	RestartInterval time.Duration

	Cores int

	AI advisor.Advisor

	// FeatureExtractorExe, if non-empty, is invoked as "-i FZN" to produce
	// a comma-separated feature vector (spec.md §6 "Feature extractor").
	FeatureExtractorExe string
	// FeatureFznPath is the flattened model to feed the feature extractor;
	// the caller has already compiled it with the feature solver (spec.md
	// §4.6 step 3).
	FeatureFznPath string

	// FallbackSolverExe, if non-empty, is run as a last resort when every
	// portfolio slot fails to start (spec.md §4.6 step 6, §7).
	FallbackSolverExe string
	FallbackArgs      []string

	SchedulerWidth int

	EnforceMemory bool
	MemoryConfig  memenforce.Config

	Stdout io.Writer
}

// Outcome is what Run reports back to the CLI layer for exit-code mapping
// (spec.md §6 "Exit code 0 on success, 1 on failure, 2 on fallback-solver
// success").
type Outcome int

const (
	// OutcomePortfolioSuccess means the run was cancelled without a
	// failure: a terminal status or a satisfying solution was printed, or
	// the caller cancelled ctx.
	OutcomePortfolioSuccess Outcome = iota
	// OutcomeFallbackSuccess means every portfolio slot failed and the
	// fallback solver ran to completion.
	OutcomeFallbackSuccess
	// OutcomeFailure means both the portfolio and (if configured) the
	// fallback failed.
	OutcomeFailure
)

// Orchestrator drives exactly one run.
type Orchestrator struct {
	log     *zap.Logger
	cfg     Config
	runID   string
	solvers *solvermgr.Manager
	sched   *scheduler.Scheduler
	bcast   *bound.Broadcast
	objType portfolio.ObjectiveType
}

// New constructs an Orchestrator for one run. solvers and sched are
// constructed by the caller (cmd/solverportfolio) since they in turn need
// a compile.Manager and discovery results assembled from CLI flags; see
// spec.md §9 "Cyclic references" for why solver-manager is built first and
// handed to the scheduler, never the reverse.
func New(log *zap.Logger, cfg Config, objType portfolio.ObjectiveType, solvers *solvermgr.Manager, sched *scheduler.Scheduler, bcast *bound.Broadcast) *Orchestrator {
	if cfg.StaticRuntime <= 0 {
		cfg.StaticRuntime = DefaultStaticRuntime
	}
	if cfg.FeatureTimeout < cfg.StaticRuntime {
		cfg.FeatureTimeout = DefaultFeatureTimeout
		if cfg.FeatureTimeout < cfg.StaticRuntime {
			cfg.FeatureTimeout = cfg.StaticRuntime
		}
	}
	if cfg.RestartInterval <= 0 {
		cfg.RestartInterval = DefaultRestartInterval
	}
	if cfg.StaticPortfolio == nil {
		cfg.StaticPortfolio = schedule.Default()
	}
	if cfg.TimeoutPortfolio == nil {
		cfg.TimeoutPortfolio = cfg.StaticPortfolio
	}
	return &Orchestrator{
		log:     log.Named("orchestrator"),
		cfg:     cfg,
		runID:   uuid.NewString(),
		solvers: solvers,
		sched:   sched,
		bcast:   bcast,
		objType: objType,
	}
}

// RunID is this run's correlation id. Run attaches it as a run_id field to
// the logger it uses and hands to the memory enforcer; applyMemoryActions,
// the scheduler and the solver manager log without it.
func (o *Orchestrator) RunID() string { return o.runID }

// Run drives the whole pipeline (spec.md §4.6 steps 1-6) until ctx is
// cancelled, either by an incoming terminal status or by the caller.
func (o *Orchestrator) Run(ctx context.Context) (Outcome, error) {
	log := o.log.With(zap.String("run_id", o.runID))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go o.receive(runCtx, cancel)

	if o.cfg.EnforceMemory {
		enforcer := memenforce.New(log, o.cfg.MemoryConfig, o.schedulerSnapshot, o.solvers.RSSBytes, o.solvers.ActiveIDs)
		go enforcer.Run(runCtx, o.applyMemoryActions)
	}

	// Step 1-2: static portfolio, applied for T_s.
	log.Info("applying static portfolio", zap.Int("solvers", len(o.cfg.StaticPortfolio)))
	staticErrs := o.sched.Apply(runCtx, o.cfg.StaticPortfolio)
	if len(staticErrs) == len(o.cfg.StaticPortfolio) && len(o.cfg.StaticPortfolio) > 0 {
		return o.fail(runCtx, log, zerr.Wrap(staticErrs[0], "every static-portfolio slot failed to start"))
	}

	staticTimer := time.NewTimer(o.cfg.StaticRuntime)
	defer staticTimer.Stop()

	// Step 3: feature extraction races the static runtime.
	features, featureErr := o.extractFeatures(runCtx)

	select {
	case <-staticTimer.C:
	case <-runCtx.Done():
		return o.outcomeFromCancellation(runCtx)
	}

	// Step 4: branch on whether features arrived.
	desired := o.cfg.TimeoutPortfolio
	if featureErr == nil && len(features) > 0 && o.cfg.AI != nil {
		proposed, err := o.cfg.AI.Schedule(runCtx, features, o.cfg.Cores)
		if err == nil && len(proposed) > 0 {
			desired = proposed
		} else {
			log.Debug("advisor declined or failed, falling back to timeout portfolio", zap.Error(err))
		}
	}

	// Step 5: restart loop.
	ticker := time.NewTicker(o.cfg.RestartInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return o.outcomeFromCancellation(runCtx)
		case <-ticker.C:
			errs := o.sched.Apply(runCtx, desired)
			if len(errs) == len(desired) && len(desired) > 0 {
				return o.fail(runCtx, log, zerr.Wrap(errs[0], "every slot failed on restart"))
			}
		}
	}
}

// extractFeatures implements spec.md §4.6 step 3: invoke the feature
// extractor with -i FZN, parse its one-line comma-separated float vector,
// bounded by FeatureTimeout.
func (o *Orchestrator) extractFeatures(ctx context.Context) ([]float64, error) {
	if o.cfg.FeatureExtractorExe == "" || o.cfg.FeatureFznPath == "" {
		return nil, zerr.Wrap(errNoFeatureExtractor, "feature extraction")
	}
	fctx, cancel := context.WithTimeout(ctx, o.cfg.FeatureTimeout)
	defer cancel()

	out, err := exec.CommandContext(fctx, o.cfg.FeatureExtractorExe, "-i", o.cfg.FeatureFznPath).Output()
	if err != nil {
		return nil, zerr.Wrap(err, "feature extractor failed")
	}
	return parseFeatureVector(strings.TrimSpace(string(out)))
}

var errNoFeatureExtractor = fmt.Errorf("orchestrator: no feature extractor configured")

func parseFeatureVector(line string) ([]float64, error) {
	if line == "" {
		return nil, nil
	}
	fields := strings.Split(line, ",")
	vec := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "parsing feature vector"), "field", f)
		}
		vec[i] = v
	}
	return vec, nil
}

// receive is the merged-event consumer of spec.md §4.3: the sole writer of
// the best-bound broadcast. It prints every solution whose objective
// strictly improves the best bound to stdout and, on a terminal status,
// prints it and cancels the run.
func (o *Orchestrator) receive(ctx context.Context, cancel context.CancelFunc) {
	w := o.cfg.Stdout
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.solvers.Events():
			if !ok {
				return
			}
			if ev.Solution != nil {
				printed := o.handleSolution(w, ev.Solution)
				if o.satisfyShouldCancel(printed) {
					cancel()
					return
				}
			}
			if ev.Status != nil {
				o.handleStatus(w, *ev.Status)
				if ev.Status.Terminal() {
					cancel()
					return
				}
			}
		}
	}
}

// handleSolution prints sol if it is worth printing (every solution under
// Satisfy, otherwise only one whose objective strictly improves the best
// bound) and reports whether it printed.
func (o *Orchestrator) handleSolution(w io.Writer, sol *parser.Solution) bool {
	current := o.bcast.Get()
	if sol.Objective != nil && !o.objType.IsBetter(current, sol.Objective) && o.objType != portfolio.Satisfy {
		return false
	}
	if sol.Objective != nil {
		o.bcast.Set(*sol.Objective)
	}
	fmt.Fprint(w, sol.Block)
	return true
}

// satisfyShouldCancel reports whether the run is done: spec.md §4.3, on
// Solution{block, objective=none} (a satisfaction problem), one printed
// solution suffices and the run cancels without waiting for a terminal
// status.
func (o *Orchestrator) satisfyShouldCancel(printed bool) bool {
	return printed && o.objType == portfolio.Satisfy
}

func (o *Orchestrator) handleStatus(w io.Writer, status portfolio.Status) {
	fmt.Fprintln(w, status.WireString())
}

// schedulerSnapshot adapts scheduler.Snapshot (SolverInfo-keyed) to the
// id->cores shape memenforce.Snapshot needs.
func (o *Orchestrator) schedulerSnapshot() memenforce.Snapshot {
	snap := o.sched.State()
	out := memenforce.Snapshot{
		Running:   make(map[uint64]int, len(snap.Running)),
		Suspended: make(map[uint64]int, len(snap.Suspended)),
	}
	for id, info := range snap.Running {
		out.Running[id] = info.Cores
	}
	for id, info := range snap.Suspended {
		out.Suspended[id] = info.Cores
	}
	return out
}

// applyMemoryActions executes the memory enforcer's eviction decision by
// stopping the chosen solvers and forgetting their slots (spec.md §4.4
// "Eviction never resumes a solver; the scheduler's next apply will decide
// whether to relaunch").
func (o *Orchestrator) applyMemoryActions(actions memenforce.Actions) {
	if len(actions.Reconciled) > 0 {
		// Already gone from the solver manager's active set; only the
		// scheduler's bookkeeping needs to catch up.
		o.sched.Forget(actions.Reconciled)
		o.log.Info("memory enforcer reconciled stale slots", zap.Uint64s("ids", actions.Reconciled))
	}

	evicted := append(append([]uint64{}, actions.StopSuspended...), actions.StopRunning...)
	if len(evicted) == 0 {
		return
	}
	o.solvers.Stop(evicted)
	o.sched.Forget(evicted)
	o.log.Info("memory enforcer evicted solvers",
		zap.Uint64s("suspended", actions.StopSuspended),
		zap.Uint64s("running", actions.StopRunning))
}

func (o *Orchestrator) outcomeFromCancellation(ctx context.Context) (Outcome, error) {
	if err := ctx.Err(); err != nil && err != context.Canceled {
		return o.fail(ctx, o.log, err)
	}
	return OutcomePortfolioSuccess, nil
}

// fail implements spec.md §7's terminal-failure path: stop everything and
// run the fallback solver if configured.
func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, cause error) (Outcome, error) {
	log.Info("portfolio exhausted, attempting fallback", zap.Error(cause))
	o.solvers.StopAll()
	if o.cfg.FallbackSolverExe == "" {
		return OutcomeFailure, cause
	}
	fctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := exec.CommandContext(fctx, o.cfg.FallbackSolverExe, o.cfg.FallbackArgs...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return OutcomeFailure, zerr.Wrap(err, "wiring fallback solver stdout")
	}
	if err := cmd.Start(); err != nil {
		return OutcomeFailure, zerr.Wrap(err, "starting fallback solver")
	}
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		fmt.Fprintln(o.cfg.Stdout, scanner.Text())
	}
	if err := cmd.Wait(); err != nil {
		return OutcomeFailure, zerr.Wrap(err, "fallback solver failed")
	}
	return OutcomeFallbackSuccess, nil
}
