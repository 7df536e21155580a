// Package solvermgr is the solver-process manager from spec.md §4.3: it
// spawns the flatten-output|solution-rewriter pipeline for each scheduled
// solver, owns every pipeline's process group, tracks each solver's best
// known objective, and publishes a merged event stream that the receiver
// turns into the process-wide best bound.
package solvermgr

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"go.trai.ch/zerr"
	"go.uber.org/zap"

	"github.com/gitrdm/solverportfolio/pkg/portfolio"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/affinity"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/bound"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/compile"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/discovery"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/flatfile"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/parser"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/proctree"
)

// Event is one item of the merged event stream: a Solution or Status from
// solver ID, exactly as parser.Event describes, but addressed.
type Event struct {
	ID uint64
	parser.Event
}

// Config names everything Start needs to know about how a solver is
// invoked, gathered once at orchestrator construction.
type Config struct {
	MinizincExe string
	RewriterExe string
	// SolverFlags returns extra config-driven flags for a solver name.
	SolverFlags func(name string) []string
	FreeSearch  bool
	PinCPU      bool
	TmpDir      string
}

type process struct {
	name           string
	group          *proctree.Group
	bestObjective  *int
	releaseCompile func()
	allocatedCores []int
}

// Manager owns every live solver pipeline for one run.
type Manager struct {
	log        *zap.Logger
	compiler   *compile.Manager
	bcast      *bound.Broadcast
	objType    portfolio.ObjectiveType
	cfg        Config
	discovered []discovery.SolverMeta

	mu        sync.Mutex
	processes map[uint64]*process
	cores     *coreSet
	events    chan Event
}

// NewManager constructs a Manager. totalCores is the ordered set of
// physical cores available for pinning (spec.md §3 "available_cores");
// pass nil when CPU pinning is disabled.
func NewManager(log *zap.Logger, compiler *compile.Manager, bcast *bound.Broadcast, objType portfolio.ObjectiveType, cfg Config, discovered []discovery.SolverMeta, totalCores []int) *Manager {
	return &Manager{
		log:        log.Named("solvermgr"),
		compiler:   compiler,
		bcast:      bcast,
		objType:    objType,
		cfg:        cfg,
		discovered: discovered,
		processes:  make(map[uint64]*process),
		cores:      newCoreSet(totalCores),
		events:     make(chan Event, 64),
	}
}

// Events returns the merged event stream. There is exactly one Receiver per
// run draining it (spec.md §4.3 "Merged event consumer").
func (m *Manager) Events() <-chan Event {
	return m.events
}

// ActiveIDs returns the ids of every solver currently tracked (running or
// suspended — the manager does not distinguish; the scheduler does).
func (m *Manager) ActiveIDs() map[uint64]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[uint64]struct{}, len(m.processes))
	for id := range m.processes {
		ids[id] = struct{}{}
	}
	return ids
}

// Start spawns element's pipeline. Caller must already have inserted
// element.ID into the scheduler's running set before calling (spec.md
// §4.3 "start" precondition). If ctx is cancelled before the pipeline is
// fully up, Start tears down everything it created and returns ctx.Err()
// with no residue (spec.md §4.3 "Cancellation of a start ... must leave no
// residue").
func (m *Manager) Start(ctx context.Context, element portfolio.ScheduleElement) error {
	name := element.Info.Name

	res, err := m.compiler.Wait(ctx, name)
	if err != nil {
		return err
	}
	released := false
	release := func() {
		if !released {
			released = true
			res.Release()
		}
	}
	defer func() {
		if err != nil {
			release()
		}
	}()

	fznPath := res.FznPath
	currentBest := m.bcast.Get()
	if currentBest != nil && m.objType != portfolio.Satisfy {
		injected, injErr := flatfile.InjectBound(res.FznPath, m.cfg.TmpDir, name, int(element.ID), m.objType, *currentBest)
		if injErr != nil {
			err = injErr
			return err
		}
		fznPath = injected
	}

	meta, found := discovery.Find(m.discovered, name)
	if !found {
		meta.ID = name
	}
	solverCmd := m.buildSolverCmd(ctx, meta, fznPath, element.Info.Cores)
	rewriterCmd := exec.CommandContext(ctx, m.cfg.RewriterExe)

	solverOut, pipeErr := solverCmd.StdoutPipe()
	if pipeErr != nil {
		err = zerr.With(zerr.Wrap(pipeErr, "wiring solver stdout"), "solver", name)
		return err
	}
	solverErr, pipeErr := solverCmd.StderrPipe()
	if pipeErr != nil {
		err = zerr.With(zerr.Wrap(pipeErr, "wiring solver stderr"), "solver", name)
		return err
	}
	proctree.Prepare(solverCmd)
	if err = solverCmd.Start(); err != nil {
		err = zerr.With(zerr.Wrap(err, "starting solver process"), "solver", name)
		return err
	}

	group := proctree.New(m.log, solverCmd.Process.Pid)

	rewriterCmd.Stdin = solverOut
	rewriterOut, pipeErr := rewriterCmd.StdoutPipe()
	if pipeErr != nil {
		_ = group.Kill()
		err = zerr.With(zerr.Wrap(pipeErr, "wiring rewriter stdout"), "solver", name)
		return err
	}
	proctree.JoinGroup(rewriterCmd, solverCmd.Process.Pid)
	if err = rewriterCmd.Start(); err != nil {
		_ = group.Kill()
		err = zerr.With(zerr.Wrap(err, "starting rewriter process"), "solver", name)
		return err
	}

	var cores []int
	if m.cfg.PinCPU {
		cores, err = m.cores.acquire(element.Info.Cores)
		if err != nil {
			_ = group.Kill()
			return err
		}
		if pinErr := affinity.Pin(solverCmd.Process.Pid, cores); pinErr != nil {
			m.cores.release(cores)
			_ = group.Kill()
			err = pinErr
			return err
		}
	}

	p := &process{
		name:           name,
		group:          group,
		bestObjective:  currentBest,
		releaseCompile: release,
		allocatedCores: cores,
	}

	m.mu.Lock()
	m.processes[element.ID] = p
	m.mu.Unlock()

	go m.watchExit(element.ID, solverCmd, rewriterCmd)
	go m.readSolution(element.ID, rewriterOut)
	go m.forwardStderr(element.ID, solverErr)

	return nil
}

// buildSolverCmd builds the solver invocation per spec.md §4.3 step 3.
func (m *Manager) buildSolverCmd(ctx context.Context, meta discovery.SolverMeta, fznPath string, cores int) *exec.Cmd {
	args := []string{}
	switch meta.InputType {
	case discovery.InputJSON:
		args = append(args, fznPath)
	default: // FZN, or unknown metadata — treat as the flattener-driver path
		args = append(args, "--solver", meta.ID, fznPath)
	}
	if m.cfg.SolverFlags != nil {
		args = append(args, m.cfg.SolverFlags(meta.ID)...)
	}
	if m.cfg.FreeSearch {
		args = append(args, "-f")
	}
	if meta.SupportsCoresFlag() && cores > 0 {
		args = append(args, "-p", strconv.Itoa(cores))
	}
	exePath := m.cfg.MinizincExe
	if meta.InputType == discovery.InputJSON && meta.Executable != "" {
		exePath = meta.Executable
	}
	return exec.CommandContext(ctx, exePath, args...)
}

// readSolution drives the rewriter's stdout through the line parser,
// updating the per-solver best bound and publishing every event to the
// merged queue (spec.md §4.3 step 7 "stdout reader").
func (m *Manager) readSolution(id uint64, out io.Reader) {
	p := parser.New(m.objType)
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		m.feedLine(id, p, scanner.Text())
	}
}

func (m *Manager) feedLine(id uint64, p *parser.Parser, line string) {
	ev, err := p.Feed(line)
	if err != nil {
		m.log.Debug("parse error, continuing", zap.Uint64("id", id), zap.Error(err))
		return
	}
	if ev == nil {
		return
	}
	if ev.Solution != nil {
		m.updateBest(id, ev.Solution.Objective)
	}
	select {
	case m.events <- Event{ID: id, Event: *ev}:
	default:
		m.log.Debug("event queue full, blocking until the receiver drains it", zap.Uint64("id", id))
		m.events <- Event{ID: id, Event: *ev}
	}
}

func (m *Manager) updateBest(id uint64, obj *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	if !ok {
		return
	}
	if m.objType.IsBetter(p.bestObjective, obj) {
		p.bestObjective = obj
	}
}

// BestObjective returns the per-solver best bound observed for id, or nil
// if id is unknown or has not reported one yet (used by scheduler Step A).
func (m *Manager) BestObjective(id uint64) *int {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	if !ok {
		return nil
	}
	return p.bestObjective
}

// RSSBytes reports the resident set size of id's process tree, satisfying
// memenforce.RSSReader. An unknown id is reported as zero rather than an
// error, since it has most likely already exited.
func (m *Manager) RSSBytes(id uint64) (uint64, error) {
	m.mu.Lock()
	p, ok := m.processes[id]
	m.mu.Unlock()
	if !ok {
		return 0, nil
	}
	return p.group.RSSBytes()
}


func (m *Manager) forwardStderr(id uint64, stderr io.Reader) {
	data, _ := io.ReadAll(stderr)
	if len(data) > 0 {
		m.log.Debug("solver stderr", zap.Uint64("id", id), zap.ByteString("output", data))
	}
}

func (m *Manager) watchExit(id uint64, solverCmd, rewriterCmd *exec.Cmd) {
	_ = solverCmd.Wait()
	_ = rewriterCmd.Wait()

	m.mu.Lock()
	p, ok := m.processes[id]
	if ok {
		delete(m.processes, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if len(p.allocatedCores) > 0 {
		m.cores.release(p.allocatedCores)
	}
	p.releaseCompile()
}

// Suspend stops (SIGSTOP) every id in ids. Failures for already-dead
// processes are swallowed (spec.md §7 "Signal" error kind).
func (m *Manager) Suspend(ids []uint64) {
	for _, g := range m.snapshot(ids) {
		if err := g.Stop(); err != nil {
			m.log.Debug("suspend signal failed, process likely already gone", zap.Error(err))
		}
	}
}

// Resume continues (SIGCONT) every id in ids.
func (m *Manager) Resume(ids []uint64) {
	for _, g := range m.snapshot(ids) {
		if err := g.Continue(); err != nil {
			m.log.Debug("resume signal failed, process likely already gone", zap.Error(err))
		}
	}
}

// Stop tears down ids' pipelines the way spec.md §3's SolverProcess
// ownership invariant describes: Terminate, then Continue, then a force-kill
// after a grace period. The records stay tracked until each pipeline's exit
// watcher removes them.
func (m *Manager) Stop(ids []uint64) {
	for _, g := range m.snapshot(ids) {
		go g.ForceKillAfterGrace()
	}
}

// SuspendAll, ResumeAll, StopAll apply their single-id counterpart to every
// tracked solver.
func (m *Manager) SuspendAll() { m.Suspend(m.allIDs()) }
func (m *Manager) ResumeAll()  { m.Resume(m.allIDs()) }
func (m *Manager) StopAll()    { m.Stop(m.allIDs()) }

func (m *Manager) allIDs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) snapshot(ids []uint64) []*proctree.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := make([]*proctree.Group, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.processes[id]; ok {
			groups = append(groups, p.group)
		}
	}
	return groups
}
