package compile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func blockingFlatten(calls *int32, release <-chan struct{}) FlattenFunc {
	return func(ctx context.Context, name string) (string, string, error) {
		atomic.AddInt32(calls, 1)
		select {
		case <-release:
			return "/tmp/" + name + ".fzn", "/tmp/" + name + ".ozn", nil
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
}

func TestWaitInvokesFlattenAtMostOnce(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	m := NewManager(zap.NewNop(), blockingFlatten(&calls, release))

	m.Start("gecode")
	m.Start("gecode") // second Start while running: no-op

	done := make(chan struct{}, 2)
	go func() {
		_, _ = m.Wait(context.Background(), "gecode")
		done <- struct{}{}
	}()
	go func() {
		_, _ = m.Wait(context.Background(), "gecode")
		done <- struct{}{}
	}()

	close(release)
	<-done
	<-done

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("flatten invoked %d times, want 1", got)
	}
}

func TestWaitIsCancellationSafe(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	m := NewManager(zap.NewNop(), blockingFlatten(&calls, release))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Wait(ctx, "gecode")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Dropping the waiter must not have cancelled the compilation itself.
	close(release)
	res, err := m.Wait(context.Background(), "gecode")
	if err != nil {
		t.Fatalf("unexpected error after recovering: %v", err)
	}
	if res.FznPath == "" {
		t.Fatalf("expected a populated result")
	}
	res.Release()
}

func TestStopThenWaitStartsFresh(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	m := NewManager(zap.NewNop(), blockingFlatten(&calls, release))

	m.Start("gecode")
	time.Sleep(10 * time.Millisecond)
	m.Stop("gecode")

	// The cancelled compilation must leave the cache empty: the next Wait
	// begins a fresh compilation, invoking the flattener a second time.
	close(release)
	res, err := m.Wait(context.Background(), "gecode")
	if err != nil {
		t.Fatalf("unexpected error after Stop: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("flatten invoked %d times, want 2", got)
	}
	res.Release()
}

func TestReleaseDeletesFilesOnLastReference(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	close(release)
	m := NewManager(zap.NewNop(), blockingFlatten(&calls, release))

	res1, err := m.Wait(context.Background(), "chuffed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res2, err := m.Wait(context.Background(), "chuffed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res1.Release()
	m.mu.Lock()
	_, stillTracked := m.entries["chuffed"]
	m.mu.Unlock()
	if !stillTracked {
		t.Fatalf("entry should still be tracked after first of two releases")
	}

	res2.Release()
	m.mu.Lock()
	_, stillTracked = m.entries["chuffed"]
	m.mu.Unlock()
	if stillTracked {
		t.Fatalf("entry should be gone after the last release")
	}
}
