package sighandler

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRunDispatchesInterruptAsTerminate(t *testing.T) {
	h := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("FindProcess: %v", err)
	}
	if err := proc.Signal(syscall.SIGINT); err != nil {
		t.Skipf("cannot signal self in this sandbox: %v", err)
	}

	select {
	case ev := <-h.Events():
		if ev != EventTerminate {
			t.Fatalf("expected EventTerminate, got %v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatched event")
	}
}

func TestAckDoesNotBlockWithoutAWaiter(t *testing.T) {
	h := New(zap.NewNop())
	done := make(chan struct{})
	go func() {
		h.Ack()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Ack blocked with no waiter")
	}
}

// TestAckUnblocksAWaitingReceiver exercises the suspend handshake in
// isolation from the real SIGSTOP: Run's EventSuspend branch waits on the
// same suspendAck channel Ack sends to, so a caller's Ack() must be able to
// unblock it without relying on the timeout fallback.
func TestAckUnblocksAWaitingReceiver(t *testing.T) {
	h := New(zap.NewNop())
	ready := make(chan struct{})
	received := make(chan struct{})
	go func() {
		close(ready)
		<-h.suspendAck
		close(received)
	}()
	<-ready
	time.Sleep(10 * time.Millisecond) // let the goroutine reach the receive
	h.Ack()

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatalf("Ack did not unblock the waiting receiver")
	}
}

func TestEventString(t *testing.T) {
	cases := map[Event]string{
		EventTerminate: "terminate",
		EventHangup:    "hangup",
		EventSuspend:   "suspend",
		EventResume:    "resume",
	}
	for ev, want := range cases {
		if got := ev.String(); got != want {
			t.Fatalf("Event(%d).String() = %q, want %q", ev, got, want)
		}
	}
}
