//go:build !unix

package proctree

import (
	"os/exec"
)

// osSignal has no POSIX meaning on this platform; the values exist only so
// proctree.go's call sites (sigStop, sigCont, ...) compile identically
// everywhere. signalProcessGroup ignores the value entirely.
type osSignal int

const (
	sigStop osSignal = iota
	sigCont
	sigTerm
	sigKill
)

// prepare is a no-op on non-POSIX hosts: there is no process-group concept
// to opt into. Signal delivery falls back entirely to the descendant-scan
// sweep in killDescendants (spec.md §9 "On systems without process groups,
// emulate with an explicit descendant-scan + kill sweep").
func prepare(cmd *exec.Cmd) {}

// signalProcessGroup has no group to address on this platform and sends
// nothing, so Stop, Continue and Terminate have no effect here; only Kill's
// descendant sweep acts on the processes.
func signalProcessGroup(pid int, sig osSignal) error {
	return nil
}

// joinGroup is a no-op on non-POSIX hosts; killDescendants' tree walk is
// what keeps the pair together instead.
func joinGroup(cmd *exec.Cmd, leaderPID int) {}
