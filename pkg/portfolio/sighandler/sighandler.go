// Package sighandler maps OS interrupt/terminate/hangup/stop/continue
// signals to the cooperative events described in spec.md §4's "Signal
// handler" and §4.6's "Signal integration".
package sighandler

import (
	"context"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
)

// suspendAckTimeout bounds how long Run waits for Ack before raising the
// self-signal regardless, so a caller that never wires suspend handling
// doesn't wedge the signal loop forever.
const suspendAckTimeout = 2 * time.Second

// Event is a cooperative signal notification, decoupled from any specific
// OS signal constant so the orchestrator never imports syscall directly.
type Event int

const (
	// EventTerminate asks the run to stop every solver and exit.
	EventTerminate Event = iota
	// EventHangup is treated the same as EventTerminate by the orchestrator,
	// kept distinct here for logging.
	EventHangup
	// EventSuspend asks every solver to stop, then raises the same signal on
	// self (spec.md §4.6 "a cooperative suspend signal stops all solvers and
	// raises the same signal on self").
	EventSuspend
	// EventResume asks every solver to continue.
	EventResume
)

func (e Event) String() string {
	switch e {
	case EventTerminate:
		return "terminate"
	case EventHangup:
		return "hangup"
	case EventSuspend:
		return "suspend"
	case EventResume:
		return "resume"
	default:
		return "unknown"
	}
}

// Handler listens for OS signals and translates them into Events.
type Handler struct {
	log        *zap.Logger
	sigCh      chan os.Signal
	events     chan Event
	suspendAck chan struct{}
}

// New constructs a Handler and begins listening immediately; call Run to
// start dispatching.
func New(log *zap.Logger) *Handler {
	h := &Handler{
		log:        log.Named("sighandler"),
		sigCh:      make(chan os.Signal, 8),
		events:     make(chan Event, 8),
		suspendAck: make(chan struct{}),
	}
	signal.Notify(h.sigCh, watchedSignals()...)
	return h
}

// Events returns the cooperative event stream.
func (h *Handler) Events() <-chan Event {
	return h.events
}

// Ack tells Run that the caller has finished acting on the most recently
// delivered EventSuspend (every solver is stopped), so it is now safe to
// raise the self-signal. spec.md §4.6: "a cooperative suspend signal stops
// all solvers [first], then raises the same signal on self" — without this
// handshake, SIGSTOP can freeze the process (including the goroutine still
// suspending solver children) before that work finishes.
func (h *Handler) Ack() {
	select {
	case h.suspendAck <- struct{}{}:
	default:
	}
}

// Run dispatches signals until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) {
	defer signal.Stop(h.sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-h.sigCh:
			ev, ok := classify(sig)
			if !ok {
				continue
			}
			h.log.Debug("received signal", zap.String("event", ev.String()))
			delivered := false
			select {
			case h.events <- ev:
				delivered = true
			default:
				h.log.Debug("signal event dropped, channel full", zap.String("event", ev.String()))
			}
			if ev == EventSuspend {
				if delivered {
					select {
					case <-h.suspendAck:
					case <-time.After(suspendAckTimeout):
						h.log.Debug("suspend ack timed out, raising signal anyway")
					}
				}
				raiseSelf()
			}
		}
	}
}
