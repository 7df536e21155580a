package proctree

import (
	"os/exec"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

func TestPrepareSetsProcessGroupOnUnix(t *testing.T) {
	cmd := exec.Command("true")
	Prepare(cmd)
	if cmd.SysProcAttr == nil {
		t.Fatalf("Prepare left SysProcAttr nil")
	}
}

func TestForceKillAfterGraceIsIdempotent(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	Prepare(cmd)
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}
	g := New(zap.NewNop(), cmd.Process.Pid)

	done := make(chan struct{})
	go func() {
		g.ForceKillAfterGrace()
		close(done)
	}()
	// Calling it again concurrently must not re-run the grace sleep or
	// double-signal; the reaped guard should make this a no-op.
	g.ForceKillAfterGrace()

	select {
	case <-done:
	case <-time.After(Grace + 5*time.Second):
		t.Fatalf("ForceKillAfterGrace did not return in time")
	}
	_, _ = cmd.Process.Wait()
}

func TestRSSBytesOnMissingProcessReturnsError(t *testing.T) {
	g := New(zap.NewNop(), -1)
	if _, err := g.RSSBytes(); err == nil {
		t.Fatalf("expected an error for a nonexistent pid")
	}
}

func TestDescendantsIncludesSelf(t *testing.T) {
	cmd := exec.Command("sleep", "1")
	Prepare(cmd)
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	g := New(zap.NewNop(), cmd.Process.Pid)
	if g.LeaderPID() != cmd.Process.Pid {
		t.Fatalf("LeaderPID = %d, want %d", g.LeaderPID(), cmd.Process.Pid)
	}

	proc, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	all := descendants(proc)
	if len(all) == 0 || all[0].Pid != int32(cmd.Process.Pid) {
		t.Fatalf("descendants does not start with the leader itself: %v", all)
	}
}
