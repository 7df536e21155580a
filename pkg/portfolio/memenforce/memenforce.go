// Package memenforce implements the memory enforcer from spec.md §4.4: a
// periodic loop that evicts suspended then running solvers when resident
// memory crosses a threshold.
package memenforce

import (
	"context"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"go.trai.ch/zerr"
	"go.uber.org/zap"
)

// DefaultInterval is the enforcer's default sampling period.
const DefaultInterval = 3 * time.Second

// DefaultThreshold is the default used/total memory ratio that triggers
// eviction.
const DefaultThreshold = 0.9

// RSSReader returns the resident set size, in bytes, of the process tree of
// the solver in slot id. solvermgr.Manager.RSSBytes satisfies this.
type RSSReader func(id uint64) (uint64, error)

// Snapshot is the scheduler state the enforcer needs a read of: which
// solvers are running versus merely suspended, and how many cores each
// uses.
type Snapshot struct {
	Running   map[uint64]int // id -> cores
	Suspended map[uint64]int // id -> cores
}

// Actions is what the enforcer decided to stop, plus any ids found stale
// during reconciliation. StopSuspended is largest-RSS-first; StopRunning
// lists the unfair-share solvers first and then the rest, each group
// largest-RSS-first.
type Actions struct {
	StopSuspended []uint64
	StopRunning   []uint64
	// Reconciled lists ids that were in Running/Suspended but no longer in
	// the solver manager's active set (spec.md §4.4 step 1) — already gone,
	// so the caller only needs to forget the slot, not stop anything.
	Reconciled []uint64
}

// Config configures one enforcer loop.
type Config struct {
	Interval     time.Duration
	Threshold    float64
	TotalCores   int
	HardCapBytes uint64 // 0 = use OS-reported total memory
}

// memSampler reads system-wide used/total memory in bytes.
type memSampler func() (used, total uint64, err error)

// Enforcer periodically samples memory and decides what to evict. It does
// not itself apply the decision — the caller (orchestrator/scheduler) wires
// Run's callback to its own stop/suspend primitives, keeping this package
// free of a dependency on solvermgr.
type Enforcer struct {
	log       *zap.Logger
	cfg       Config
	rss       RSSReader
	lookup    func() Snapshot
	activeIDs func() map[uint64]struct{}
	sample    memSampler
}

// New constructs an Enforcer. lookup returns a fresh snapshot of scheduler
// state each tick; rss reads a solver's process-tree RSS; activeIDs returns
// the solver manager's live id set, used to reconcile stale bookkeeping
// before eviction runs (spec.md §4.4 step 1). solvermgr.Manager.ActiveIDs
// satisfies activeIDs.
func New(log *zap.Logger, cfg Config, lookup func() Snapshot, rss RSSReader, activeIDs func() map[uint64]struct{}) *Enforcer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	e := &Enforcer{log: log.Named("memenforce"), cfg: cfg, lookup: lookup, rss: rss, activeIDs: activeIDs}
	e.sample = e.systemMemory
	return e
}

// Run loops until ctx is cancelled, calling apply with every eviction
// decision as it is made.
func (e *Enforcer) Run(ctx context.Context, apply func(Actions)) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			actions, err := e.Tick()
			if err != nil {
				e.log.Debug("memory sample failed, skipping this tick", zap.Error(err))
				continue
			}
			if len(actions.StopSuspended) > 0 || len(actions.StopRunning) > 0 || len(actions.Reconciled) > 0 {
				apply(actions)
			}
		}
	}
}

// Tick runs exactly one sample-and-decide pass (spec.md §4.4), without
// blocking on a ticker. Exposed directly for tests and for callers that
// drive their own loop.
func (e *Enforcer) Tick() (Actions, error) {
	used, total, err := e.sample()
	if err != nil {
		return Actions{}, err
	}
	if total == 0 || float64(used)/float64(total) <= e.cfg.Threshold {
		return Actions{}, nil
	}

	snap := e.lookup()
	var actions Actions

	actions.Reconciled = reconcile(&snap, e.activeIDs())

	remaining := used
	actions.StopSuspended, remaining = e.evictSuspended(snap, total, remaining)
	if float64(remaining)/float64(total) > e.cfg.Threshold {
		actions.StopRunning = e.evictRunning(snap, total, remaining)
	}
	return actions, nil
}

// reconcile drops any id from snap.Running/snap.Suspended that is no
// longer in active (spec.md §4.4 step 1), reporting the dropped ids. A nil
// active set (no reconciliation source wired) is a no-op.
func reconcile(snap *Snapshot, active map[uint64]struct{}) []uint64 {
	if active == nil {
		return nil
	}
	var stale []uint64
	for id := range snap.Running {
		if _, ok := active[id]; !ok {
			stale = append(stale, id)
			delete(snap.Running, id)
		}
	}
	for id := range snap.Suspended {
		if _, ok := active[id]; !ok {
			stale = append(stale, id)
			delete(snap.Suspended, id)
		}
	}
	return stale
}

func (e *Enforcer) systemMemory() (used, total uint64, err error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, zerr.Wrap(err, "reading system memory")
	}
	total = vm.Total
	if e.cfg.HardCapBytes > 0 && e.cfg.HardCapBytes < total {
		total = e.cfg.HardCapBytes
	}
	return vm.Used, total, nil
}

type rssEntry struct {
	id  uint64
	rss uint64
}

func (e *Enforcer) rssRanked(ids map[uint64]int) []rssEntry {
	entries := make([]rssEntry, 0, len(ids))
	for id := range ids {
		r, err := e.rss(id)
		if err != nil {
			continue
		}
		entries = append(entries, rssEntry{id: id, rss: r})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rss > entries[j].rss })
	return entries
}

// evictSuspended ranks suspended solvers by RSS descending and stops the
// largest first until used/total is back under threshold or the list is
// exhausted (spec.md §4.4 step 2).
func (e *Enforcer) evictSuspended(snap Snapshot, total, used uint64) ([]uint64, uint64) {
	var stopped []uint64
	for _, entry := range e.rssRanked(snap.Suspended) {
		if float64(used)/float64(total) <= e.cfg.Threshold {
			break
		}
		stopped = append(stopped, entry.id)
		if entry.rss < used {
			used -= entry.rss
		} else {
			used = 0
		}
	}
	return stopped, used
}

// evictRunning applies the "unfair share" rule unconditionally, then
// continues stopping the largest remaining running solvers until under
// threshold (spec.md §4.4 step 3).
func (e *Enforcer) evictRunning(snap Snapshot, total, used uint64) []uint64 {
	if e.cfg.TotalCores <= 0 {
		e.cfg.TotalCores = 1
	}
	perCoreThreshold := (float64(total) / float64(e.cfg.TotalCores)) * e.cfg.Threshold

	ranked := e.rssRanked(snap.Running)
	stoppedSet := make(map[uint64]struct{})
	var stopped []uint64

	for _, entry := range ranked {
		cores := snap.Running[entry.id]
		if cores <= 0 {
			cores = 1
		}
		if float64(entry.rss)/float64(cores) > perCoreThreshold {
			stopped = append(stopped, entry.id)
			stoppedSet[entry.id] = struct{}{}
			if entry.rss < used {
				used -= entry.rss
			} else {
				used = 0
			}
		}
	}

	for _, entry := range ranked {
		if _, already := stoppedSet[entry.id]; already {
			continue
		}
		if float64(used)/float64(total) <= e.cfg.Threshold {
			break
		}
		stopped = append(stopped, entry.id)
		if entry.rss < used {
			used -= entry.rss
		} else {
			used = 0
		}
	}
	return stopped
}
