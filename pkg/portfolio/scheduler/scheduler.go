// Package scheduler implements the reconciliation loop from spec.md §4.5:
// given a desired Portfolio and the current set of live solvers, it decides
// which slots to start, resume, suspend, or restart, and executes that
// decision through a solvermgr.Manager.
package scheduler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/gitrdm/solverportfolio/internal/workerpool"
	"github.com/gitrdm/solverportfolio/pkg/portfolio"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/bound"
)

// Starter is the subset of solvermgr.Manager that apply needs to execute a
// reconciliation; narrowed to an interface so apply is testable without a
// real solver-process manager.
type Starter interface {
	Start(ctx context.Context, element portfolio.ScheduleElement) error
	Suspend(ids []uint64)
	Resume(ids []uint64)
	Stop(ids []uint64)
	BestObjective(id uint64) *int
}

// Scheduler owns the running/suspended slot tables and the id counter
// described by spec.md §3's ScheduleState and executes apply() against a
// Starter (spec.md §4.5).
type Scheduler struct {
	log     *zap.Logger
	starter Starter
	bcast   *bound.Broadcast
	objType portfolio.ObjectiveType
	pool    *workerpool.Pool

	mu        sync.Mutex
	running   map[uint64]portfolio.SolverInfo
	suspended map[uint64]portfolio.SolverInfo
	nextID    uint64
	prevBest  *int
}

// New constructs a Scheduler. width bounds Step D's concurrent fan-out
// (spec.md §5 "OS-level parallelism for solver sub-processes").
func New(log *zap.Logger, starter Starter, bcast *bound.Broadcast, objType portfolio.ObjectiveType, width int) *Scheduler {
	return &Scheduler{
		log:       log.Named("scheduler"),
		starter:   starter,
		bcast:     bcast,
		objType:   objType,
		pool:      workerpool.New(width),
		running:   make(map[uint64]portfolio.SolverInfo),
		suspended: make(map[uint64]portfolio.SolverInfo),
		nextID:    1,
	}
}

// Snapshot reports the current running/suspended slot ids. The orchestrator
// turns it into the memory enforcer's per-tick snapshot, which the enforcer
// reconciles against the solver manager's active set (spec.md §4.4 step 1).
type Snapshot struct {
	Running   map[uint64]portfolio.SolverInfo
	Suspended map[uint64]portfolio.SolverInfo
}

// State returns a defensive copy of the current slot tables.
func (s *Scheduler) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:   make(map[uint64]portfolio.SolverInfo, len(s.running)),
		Suspended: make(map[uint64]portfolio.SolverInfo, len(s.suspended)),
	}
	for id, info := range s.running {
		snap.Running[id] = info
	}
	for id, info := range s.suspended {
		snap.Suspended[id] = info
	}
	return snap
}

// Forget drops ids from the slot tables without signalling the solver
// manager; used by the memory enforcer after it has already stopped a
// process directly (spec.md §4.4 step 1 "reconcile").
func (s *Scheduler) Forget(ids []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.running, id)
		delete(s.suspended, id)
	}
}

// Apply runs one full reconciliation pass against desired (spec.md §4.5
// Steps A-D). It returns the per-slot start errors collected in Step D;
// a non-nil, non-empty return does not mean apply itself failed — only
// that some slots did not start.
func (s *Scheduler) Apply(ctx context.Context, desired portfolio.Portfolio) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stepA_boundDrivenRestarts()
	schedule := s.stepB_assignIDs(desired)
	toStart, toResume, toSuspend := s.stepC_diff(schedule)

	return s.stepD_execute(ctx, toStart, toResume, toSuspend)
}

// stepA_boundDrivenRestarts implements spec.md §4.5 Step A: when the global
// best has moved, any live solver strictly behind it is stopped so it
// re-enters through Step C as a fresh start with the tightened bound
// injected into its flatfile.
func (s *Scheduler) stepA_boundDrivenRestarts() {
	b := s.bcast.Get()
	if !boundChanged(s.prevBest, b) {
		return
	}
	s.prevBest = b

	var toStop []uint64
	for id := range s.running {
		if behind := s.objType.IsBetter(s.starter.BestObjective(id), b); behind {
			toStop = append(toStop, id)
		}
	}
	for id := range s.suspended {
		if behind := s.objType.IsBetter(s.starter.BestObjective(id), b); behind {
			toStop = append(toStop, id)
		}
	}
	if len(toStop) == 0 {
		return
	}
	s.starter.Stop(toStop)
	for _, id := range toStop {
		delete(s.running, id)
		delete(s.suspended, id)
	}
}

func boundChanged(prev, cur *int) bool {
	if (prev == nil) != (cur == nil) {
		return true
	}
	return prev != nil && *prev != *cur
}

// stepB_assignIDs implements spec.md §4.5 Step B: slot reuse by SolverInfo
// equality, first match wins, removed matches are not re-matched.
func (s *Scheduler) stepB_assignIDs(desired portfolio.Portfolio) portfolio.Schedule {
	claimed := make(map[uint64]bool)
	schedule := make(portfolio.Schedule, 0, len(desired))

	findExisting := func(info portfolio.SolverInfo) (uint64, bool) {
		for id, cur := range s.running {
			if !claimed[id] && cur.Equal(info) {
				return id, true
			}
		}
		for id, cur := range s.suspended {
			if !claimed[id] && cur.Equal(info) {
				return id, true
			}
		}
		return 0, false
	}

	for _, info := range desired {
		id, ok := findExisting(info)
		if !ok {
			id = s.nextID
			s.nextID++
		}
		claimed[id] = true
		schedule = append(schedule, portfolio.ScheduleElement{ID: id, Info: info})
	}
	return schedule
}

// stepC_diff implements spec.md §4.5 Step C, applying the transition to
// running/suspended atomically (caller already holds s.mu).
func (s *Scheduler) stepC_diff(schedule portfolio.Schedule) (toStart, toResume, toSuspend portfolio.Schedule) {
	desiredIDs := make(map[uint64]portfolio.SolverInfo, len(schedule))
	for _, el := range schedule {
		desiredIDs[el.ID] = el.Info
	}

	for _, el := range schedule {
		switch {
		case s.inSet(s.running, el.ID):
			// keep
		case s.inSet(s.suspended, el.ID):
			toResume = append(toResume, el)
		default:
			toStart = append(toStart, el)
		}
	}

	for id, info := range s.running {
		if _, ok := desiredIDs[id]; !ok {
			toSuspend = append(toSuspend, portfolio.ScheduleElement{ID: id, Info: info})
		}
	}

	for _, el := range toResume {
		delete(s.suspended, el.ID)
		s.running[el.ID] = el.Info
	}
	for _, el := range toSuspend {
		delete(s.running, el.ID)
		s.suspended[el.ID] = el.Info
	}
	return toStart, toResume, toSuspend
}

func (s *Scheduler) inSet(set map[uint64]portfolio.SolverInfo, id uint64) bool {
	_, ok := set[id]
	return ok
}

// stepD_execute implements spec.md §4.5 Step D, in order: suspend, resume,
// start (bounded concurrent fan-out, errors collected not escalated).
// Starter.Suspend and Starter.Resume report no failure, so a failed suspend
// is not escalated to a stop and a failed resume is not restarted here.
func (s *Scheduler) stepD_execute(ctx context.Context, toStart, toResume, toSuspend portfolio.Schedule) []error {
	if len(toSuspend) > 0 {
		ids := idsOf(toSuspend)
		s.starter.Suspend(ids)
	}

	// Resume has no synchronous ack of success; a resumed slot that is
	// actually dead is indistinguishable from a live one until its exit
	// watcher fires, and Apply never consults the solver manager's ActiveIDs.
	// Such a slot stays in running until Step A stops it after a bound
	// change under Minimize or Maximize (a dead id's BestObjective is nil),
	// or until the memory enforcer's reconciliation makes the orchestrator
	// Forget it; the following apply then starts it under a new id.
	if len(toResume) > 0 {
		s.starter.Resume(idsOf(toResume))
	}

	if len(toStart) == 0 {
		return nil
	}

	// Start's precondition is that element.ID is already in running before
	// the call (spec.md §4.3); insert optimistically and roll back on
	// failure.
	for _, el := range toStart {
		s.running[el.ID] = el.Info
	}

	tasks := make([]workerpool.Task, len(toStart))
	for i, el := range toStart {
		el := el
		tasks[i] = func(ctx context.Context) error {
			return s.starter.Start(ctx, el)
		}
	}

	s.mu.Unlock()
	results := s.pool.Run(ctx, tasks)
	s.mu.Lock()

	var out []error
	for i, el := range toStart {
		if results[i] != nil {
			s.log.Warn("slot failed to start", zap.Uint64("id", el.ID), zap.String("solver", el.Info.Name), zap.Error(results[i]))
			delete(s.running, el.ID)
			out = append(out, results[i])
		}
	}
	return out
}

func idsOf(schedule portfolio.Schedule) []uint64 {
	ids := make([]uint64, len(schedule))
	for i, el := range schedule {
		ids[i] = el.ID
	}
	return ids
}
