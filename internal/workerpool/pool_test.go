package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRunBoundsConcurrency(t *testing.T) {
	p := New(2)
	var inFlight, maxSeen int32
	fns := make([]Task, 8)
	for i := range fns {
		fns[i] = func(ctx context.Context) error {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				cur := atomic.LoadInt32(&maxSeen)
				if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
					break
				}
			}
			atomic.AddInt32(&inFlight, -1)
			return nil
		}
	}
	p.Run(context.Background(), fns)
	if maxSeen > 2 {
		t.Fatalf("observed %d concurrent tasks, want <= 2", maxSeen)
	}
}

func TestRunCollectsPerTaskErrors(t *testing.T) {
	p := New(4)
	boom := errors.New("boom")
	fns := []Task{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error { return nil },
	}
	errs := p.Run(context.Background(), fns)
	if errs[0] != nil || errs[2] != nil {
		t.Fatalf("expected nil errors at 0,2, got %v", errs)
	}
	if !errors.Is(errs[1], boom) {
		t.Fatalf("expected boom at index 1, got %v", errs[1])
	}
}

func TestRunEmptyBatch(t *testing.T) {
	p := New(1)
	errs := p.Run(context.Background(), nil)
	if len(errs) != 0 {
		t.Fatalf("expected no errors for empty batch, got %v", errs)
	}
}
