// Package proctree enumerates, signals, and force-kills a process group and
// its descendants (spec.md §4 Process-tree utilities, §9 "Subprocess
// plumbing"). A Group owns exactly one OS process group; on POSIX hosts a
// single group-signal cascades to grandchildren, which is why the solver
// manager places a solver and its rewriter in the same group (spec.md §4.3
// step 4).
package proctree

import (
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Grace is the delay the RAII-style cleanup waits between a cooperative
// Terminate+Continue and an unconditional force-kill sweep (spec.md §5
// "Timeouts").
const Grace = 2 * time.Second

// Group owns the process group rooted at Leader's pid. The zero value is not
// usable; construct with New.
type Group struct {
	log    *zap.Logger
	leader int

	mu      sync.Mutex
	reaped  bool
}

// New wraps an already-started leader process as the root of a process
// group. Prepare must have been used to configure cmd before Start so that
// leaderPID is a group leader on POSIX hosts.
func New(log *zap.Logger, leaderPID int) *Group {
	return &Group{log: log.Named("proctree"), leader: leaderPID}
}

// LeaderPID returns the pid of the group leader.
func (g *Group) LeaderPID() int { return g.leader }

// Stop sends SIGSTOP to the whole group (spec.md §4.3 "suspend = Stop").
func (g *Group) Stop() error { return g.signalGroup(sigStop) }

// Continue sends SIGCONT to the whole group (spec.md §4.3 "resume = Continue").
func (g *Group) Continue() error { return g.signalGroup(sigCont) }

// Terminate sends SIGTERM to the whole group.
func (g *Group) Terminate() error { return g.signalGroup(sigTerm) }

// Kill sends SIGKILL to the whole group and, as a belt-and-braces sweep,
// walks the leader's descendant tree and kills any straggler the group
// signal missed (e.g. a grandchild that re-parented into its own group).
func (g *Group) Kill() error {
	err := g.signalGroup(sigKill)
	g.killDescendants()
	return err
}

// ForceKillAfterGrace implements the SolverProcess drop invariant from
// spec.md §3: Terminate, then Continue (to unblock a stopped tree so it can
// observe the terminate signal), then a force-kill sweep after Grace.
// Call this from a goroutine spawned by the owner's cleanup path; it blocks
// for at most Grace plus signal-delivery time.
func (g *Group) ForceKillAfterGrace() {
	g.mu.Lock()
	if g.reaped {
		g.mu.Unlock()
		return
	}
	g.reaped = true
	g.mu.Unlock()

	if err := g.Terminate(); err != nil {
		g.log.Debug("terminate failed, process likely already gone", zap.Int("pid", g.leader), zap.Error(err))
	}
	if err := g.Continue(); err != nil {
		g.log.Debug("continue failed, process likely already gone", zap.Int("pid", g.leader), zap.Error(err))
	}

	time.Sleep(Grace)

	if err := g.Kill(); err != nil {
		g.log.Debug("force-kill sweep found nothing to kill", zap.Int("pid", g.leader), zap.Error(err))
	}
}

func (g *Group) signalGroup(sig osSignal) error {
	return signalProcessGroup(g.leader, sig)
}

// killDescendants force-kills any process still rooted at the leader, using
// gopsutil's process-tree walk rather than relying solely on the group
// signal. This covers hosts/processes where a grandchild escaped the
// original process group (some flattener drivers re-exec into a fresh
// session).
func (g *Group) killDescendants() {
	proc, err := process.NewProcess(int32(g.leader))
	if err != nil {
		return
	}
	for _, p := range descendants(proc) {
		_ = p.Kill()
	}
}

// descendants returns every live descendant of proc, breadth-first,
// including proc itself.
func descendants(proc *process.Process) []*process.Process {
	all := []*process.Process{proc}
	queue := []*process.Process{proc}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := cur.Children()
		if err != nil {
			continue
		}
		all = append(all, children...)
		queue = append(queue, children...)
	}
	return all
}

// RSSBytes sums the resident set size of the leader's entire process tree,
// used by the memory enforcer (spec.md §4.4).
func (g *Group) RSSBytes() (uint64, error) {
	proc, err := process.NewProcess(int32(g.leader))
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, p := range descendants(proc) {
		info, err := p.MemoryInfo()
		if err != nil || info == nil {
			continue
		}
		total += info.RSS
	}
	return total, nil
}

// Prepare configures cmd so that, once started, it becomes the leader of a
// fresh process group. Call before cmd.Start.
func Prepare(cmd *exec.Cmd) {
	prepare(cmd)
}

// JoinGroup configures cmd to join the process group led by leaderPID
// instead of starting its own, so a single group-directed signal reaches
// both (spec.md §4.3 step 4: "Both children are placed in the same OS
// process group"). Call before cmd.Start.
func JoinGroup(cmd *exec.Cmd, leaderPID int) {
	joinGroup(cmd, leaderPID)
}
