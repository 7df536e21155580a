package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/gitrdm/solverportfolio/pkg/portfolio"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/bound"
)

type fakeStarter struct {
	mu          sync.Mutex
	started     []uint64
	suspended   []uint64
	resumed     []uint64
	stopped     []uint64
	startErrors map[uint64]error
	bestObj     map[uint64]*int
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{startErrors: make(map[uint64]error), bestObj: make(map[uint64]*int)}
}

func (f *fakeStarter) Start(ctx context.Context, el portfolio.ScheduleElement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, el.ID)
	return f.startErrors[el.ID]
}

func (f *fakeStarter) Suspend(ids []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = append(f.suspended, ids...)
}

func (f *fakeStarter) Resume(ids []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, ids...)
}

func (f *fakeStarter) Stop(ids []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, ids...)
}

func (f *fakeStarter) BestObjective(id uint64) *int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bestObj[id]
}

func intp(v int) *int { return &v }

func TestApplyStartsFreshPortfolio(t *testing.T) {
	starter := newFakeStarter()
	b := bound.New()
	s := New(zap.NewNop(), starter, b, portfolio.Minimize, 4)

	desired := portfolio.Portfolio{{Name: "gecode", Cores: 1}, {Name: "chuffed", Cores: 1}}
	errs := s.Apply(context.Background(), desired)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(starter.started) != 2 {
		t.Fatalf("expected 2 starts, got %d", len(starter.started))
	}
	snap := s.State()
	if len(snap.Running) != 2 {
		t.Fatalf("expected 2 running slots, got %d", len(snap.Running))
	}
}

func TestApplyReusesSlotIDOnSecondCallWithSamePortfolio(t *testing.T) {
	starter := newFakeStarter()
	b := bound.New()
	s := New(zap.NewNop(), starter, b, portfolio.Minimize, 4)

	desired := portfolio.Portfolio{{Name: "gecode", Cores: 1}}
	s.Apply(context.Background(), desired)
	first := s.State()

	s.Apply(context.Background(), desired)
	second := s.State()

	if len(first.Running) != 1 || len(second.Running) != 1 {
		t.Fatalf("expected exactly one running slot across both applies")
	}
	var id1, id2 uint64
	for id := range first.Running {
		id1 = id
	}
	for id := range second.Running {
		id2 = id
	}
	if id1 != id2 {
		t.Fatalf("expected slot id reuse, got %d then %d", id1, id2)
	}
	// Second apply should not re-start an already-running slot.
	if len(starter.started) != 1 {
		t.Fatalf("expected only 1 start across two applies of an unchanged portfolio, got %d", len(starter.started))
	}
}

func TestApplySuspendsRemovedSlots(t *testing.T) {
	starter := newFakeStarter()
	b := bound.New()
	s := New(zap.NewNop(), starter, b, portfolio.Minimize, 4)

	s.Apply(context.Background(), portfolio.Portfolio{{Name: "gecode", Cores: 1}, {Name: "chuffed", Cores: 1}})
	s.Apply(context.Background(), portfolio.Portfolio{{Name: "gecode", Cores: 1}})

	if len(starter.suspended) != 1 {
		t.Fatalf("expected 1 suspend, got %d", len(starter.suspended))
	}
	snap := s.State()
	if len(snap.Suspended) != 1 || len(snap.Running) != 1 {
		t.Fatalf("expected 1 running + 1 suspended, got %+v", snap)
	}
}

func TestApplyResumesSuspendedSlotWhenReintroduced(t *testing.T) {
	starter := newFakeStarter()
	b := bound.New()
	s := New(zap.NewNop(), starter, b, portfolio.Minimize, 4)

	full := portfolio.Portfolio{{Name: "gecode", Cores: 1}, {Name: "chuffed", Cores: 1}}
	s.Apply(context.Background(), full)
	s.Apply(context.Background(), portfolio.Portfolio{{Name: "gecode", Cores: 1}}) // suspends chuffed
	s.Apply(context.Background(), full)                                           // resumes chuffed

	if len(starter.resumed) != 1 {
		t.Fatalf("expected 1 resume, got %d", len(starter.resumed))
	}
	snap := s.State()
	if len(snap.Suspended) != 0 || len(snap.Running) != 2 {
		t.Fatalf("expected both slots running again, got %+v", snap)
	}
}

func TestApplyCollectsStartErrorsWithoutAbortingOtherSlots(t *testing.T) {
	starter := newFakeStarter()
	starter.startErrors[1] = errors.New("boom")
	s := New(zap.NewNop(), starter, bound.New(), portfolio.Minimize, 4)

	desired := portfolio.Portfolio{{Name: "gecode", Cores: 1}, {Name: "chuffed", Cores: 1}}
	errs := s.Apply(context.Background(), desired)
	if len(errs) != 1 {
		t.Fatalf("expected exactly 1 collected start error, got %v", errs)
	}
	snap := s.State()
	if len(snap.Running) != 1 {
		t.Fatalf("expected the failed slot removed from running, got %+v", snap)
	}
}

func TestApplyStopsSolverBehindNewGlobalBound(t *testing.T) {
	starter := newFakeStarter()
	b := bound.New()
	s := New(zap.NewNop(), starter, b, portfolio.Minimize, 4)

	desired := portfolio.Portfolio{{Name: "gecode", Cores: 1}}
	s.Apply(context.Background(), desired)
	var id uint64
	for i := range s.State().Running {
		id = i
	}
	starter.bestObj[id] = intp(100)

	b.Set(10) // globally better than this solver's own best of 100
	s.Apply(context.Background(), desired)

	if len(starter.stopped) != 1 || starter.stopped[0] != id {
		t.Fatalf("expected the behind-bound solver stopped, got %v", starter.stopped)
	}
	// It restarts fresh under a new id in the same apply (Step C sees it absent).
	if len(starter.started) != 2 {
		t.Fatalf("expected a second start after the bound-driven stop, got %d", len(starter.started))
	}
}

func TestApplyNoOpWhenBoundUnchanged(t *testing.T) {
	starter := newFakeStarter()
	b := bound.New()
	b.Set(10)
	s := New(zap.NewNop(), starter, b, portfolio.Minimize, 4)

	desired := portfolio.Portfolio{{Name: "gecode", Cores: 1}}
	s.Apply(context.Background(), desired)
	starter.stopped = nil
	startsBefore := len(starter.started)

	s.Apply(context.Background(), desired) // bound unchanged, should be a no-op restart-wise
	if len(starter.stopped) != 0 {
		t.Fatalf("expected no stops on unchanged bound, got %v", starter.stopped)
	}
	if len(starter.started) != startsBefore {
		t.Fatalf("expected no new starts on unchanged bound, started went from %d to %d", startsBefore, len(starter.started))
	}
}
