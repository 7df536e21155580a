package solvermgr

import (
	"testing"

	"go.uber.org/zap"

	"github.com/gitrdm/solverportfolio/pkg/portfolio"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/bound"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/compile"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/parser"
)

func newTestManager() *Manager {
	compiler := compile.NewManager(zap.NewNop(), nil)
	return NewManager(zap.NewNop(), compiler, bound.New(), portfolio.Minimize, Config{}, nil, []int{0, 1, 2, 3})
}

func TestFeedLinePublishesSolutionAndUpdatesBest(t *testing.T) {
	m := newTestManager()
	m.processes[1] = &process{name: "gecode"}

	p := parser.New(portfolio.Minimize)
	m.feedLine(1, p, "_objective = 10;")
	m.feedLine(1, p, "x = 1;")
	m.feedLine(1, p, "----------")

	select {
	case ev := <-m.events:
		if ev.ID != 1 || ev.Solution == nil || ev.Solution.Objective == nil || *ev.Solution.Objective != 10 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatalf("expected a published event")
	}

	if got := m.BestObjective(1); got == nil || *got != 10 {
		t.Fatalf("BestObjective = %v, want 10", got)
	}
}

func TestFeedLineIgnoresUnknownID(t *testing.T) {
	m := newTestManager()
	p := parser.New(portfolio.Satisfy)
	m.feedLine(99, p, "----------")
	if got := m.BestObjective(99); got != nil {
		t.Fatalf("expected nil best for an untracked id, got %v", got)
	}
}

func TestCoreSetAcquireRelease(t *testing.T) {
	cs := newCoreSet([]int{0, 1, 2, 3})
	got, err := cs.acquire(2)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("unexpected cores: %v", got)
	}
	if _, err := cs.acquire(3); err == nil {
		t.Fatalf("expected an error requesting more cores than remain")
	}
	cs.release(got)
	if len(cs.avail) != 4 {
		t.Fatalf("expected all cores back, got %v", cs.avail)
	}
}

func TestRSSBytesOnUnknownIDReturnsZeroNoError(t *testing.T) {
	m := newTestManager()
	rss, err := m.RSSBytes(42)
	if err != nil {
		t.Fatalf("RSSBytes: %v", err)
	}
	if rss != 0 {
		t.Fatalf("expected 0 RSS for untracked id, got %d", rss)
	}
}

func TestActiveIDsReflectsTrackedProcesses(t *testing.T) {
	m := newTestManager()
	m.processes[5] = &process{name: "a"}
	m.processes[7] = &process{name: "b"}
	ids := m.ActiveIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 active ids, got %v", ids)
	}
	if _, ok := ids[5]; !ok {
		t.Fatalf("expected id 5 to be active")
	}
}
