// Package compile implements the compilation cache and manager from
// spec.md §4.2: at most one flatten per solver name at a time, a
// cancellation-safe wait that broadcasts the result to every subscriber,
// and explicit cancellation that frees flattener CPU when the scheduler no
// longer wants a solver.
package compile

import (
	"context"
	"errors"
	"os"
	"sync"

	"go.trai.ch/zerr"
	"go.uber.org/zap"
)

// Result is the pair of scoped temporary files a compilation produces.
// Both are owned by the manager until the last holder calls Release; the
// manager then deletes them from disk. This mirrors spec.md §3's
// Conversion record, realized as a plain refcount guarded by the manager's
// mutex rather than a finalizer.
type Result struct {
	FznPath string
	OznPath string

	name    string
	mgr     *Manager
}

// Release drops one reference to the underlying files. The last releaser's
// call deletes them.
func (r Result) Release() {
	if r.mgr == nil {
		return
	}
	r.mgr.release(r.name)
}

// FlattenFunc invokes the external flattener for name and returns the fzn
// and ozn paths it produced. Implementations must honor ctx cancellation by
// killing the flattener's process group (pkg/portfolio/proctree).
type FlattenFunc func(ctx context.Context, name string) (fzn, ozn string, err error)

// ErrCancelled is returned by Wait when the named compilation was cancelled
// by Stop/StopAllExcept before it finished.
var ErrCancelled = errors.New("compile: cancelled")

type entryState int

const (
	stateRunning entryState = iota
	stateDone
)

type entry struct {
	state  entryState
	result Result
	err    error
	done   chan struct{}
	cancel context.CancelFunc
	refs   int
}

// Manager is the cache + manager of spec.md §4.2. The zero value is not
// usable; construct with NewManager.
type Manager struct {
	log     *zap.Logger
	flatten FlattenFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager constructs a Manager that calls flatten to actually compile a
// solver's model.
func NewManager(log *zap.Logger, flatten FlattenFunc) *Manager {
	return &Manager{
		log:     log.Named("compile"),
		flatten: flatten,
		entries: make(map[string]*entry),
	}
}

// Start begins compiling name if no compilation for it is running or
// already done. A second Start while one is in flight, or one on an
// already-finished key, is a no-op (spec.md §4.2 "Cache").
func (m *Manager) Start(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[name]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{state: stateRunning, done: make(chan struct{}), cancel: cancel}
	m.entries[name] = e
	go m.run(ctx, name, e)
}

func (m *Manager) run(ctx context.Context, name string, e *entry) {
	fzn, ozn, err := m.flatten(ctx, name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		// Sink state: a cancelled compilation leaves no trace in the cache
		// (spec.md §4.2 "plus a sink state where a cancelled compilation is
		// removed from the map"). Stop has usually removed it already, and a
		// newer compilation may now own the name; only this entry is dropped.
		if m.entries[name] == e {
			delete(m.entries, name)
		}
		close(e.done)
		return
	}

	e.state = stateDone
	if err != nil {
		e.err = zerr.With(zerr.Wrap(err, "compilation failed"), "solver", name)
	} else {
		e.result = Result{FznPath: fzn, OznPath: ozn, name: name, mgr: m}
	}
	close(e.done)
}

// Wait blocks until name's compilation reaches Done, starting it first if
// necessary. Wait is cancellation-safe: if ctx is cancelled while waiting,
// the compilation itself keeps running for any other waiter (spec.md §4.2
// "Waiting is cancellation-safe"). A successful Wait increments the
// result's reference count; callers must call Result.Release when done
// with the files.
func (m *Manager) Wait(ctx context.Context, name string) (Result, error) {
	m.Start(name)

	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return Result{}, zerr.With(ErrCancelled, "solver", name)
	}

	select {
	case <-e.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		if e.state != stateDone {
			return Result{}, zerr.With(ErrCancelled, "solver", name)
		}
		if e.err != nil {
			return Result{}, e.err
		}
		e.refs++
		return e.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop cancels name's compilation if one is running; it is a no-op
// otherwise (including if the compilation already finished successfully —
// a finished result is not retroactively invalidated by Stop on its own).
func (m *Manager) Stop(name string) {
	m.mu.Lock()
	e, ok := m.entries[name]
	if ok && e.state == stateRunning {
		delete(m.entries, name)
	} else {
		ok = false
	}
	m.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// StopAllExcept cancels every in-flight compilation whose name is not in
// keep.
func (m *Manager) StopAllExcept(keep map[string]struct{}) {
	m.mu.Lock()
	var toCancel []*entry
	for name, e := range m.entries {
		if _, ok := keep[name]; ok {
			continue
		}
		if e.state != stateRunning {
			continue
		}
		toCancel = append(toCancel, e)
		delete(m.entries, name)
	}
	m.mu.Unlock()
	for _, e := range toCancel {
		e.cancel()
	}
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	remaining := e.refs
	var fzn, ozn string
	if remaining <= 0 {
		fzn, ozn = e.result.FznPath, e.result.OznPath
		delete(m.entries, name)
	}
	m.mu.Unlock()

	if remaining <= 0 {
		if fzn != "" {
			if err := os.Remove(fzn); err != nil && !os.IsNotExist(err) {
				m.log.Debug("failed to remove scoped fzn file", zap.String("solver", name), zap.Error(err))
			}
		}
		if ozn != "" {
			if err := os.Remove(ozn); err != nil && !os.IsNotExist(err) {
				m.log.Debug("failed to remove scoped ozn file", zap.String("solver", name), zap.Error(err))
			}
		}
	}
}
