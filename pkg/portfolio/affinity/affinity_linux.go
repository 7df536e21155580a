//go:build linux

// Package affinity binds a process to a fixed set of physical cores, the
// optional CPU-pinning step of spec.md §4.3 step 6. Only Linux exposes the
// affinity syscalls this needs; every other GOOS gets the no-op in
// affinity_other.go (spec.md §9 "Affinity" is explicitly best-effort).
package affinity

import (
	"golang.org/x/sys/unix"

	"go.trai.ch/zerr"
)

// Pin restricts pid to run only on the given physical cores.
func Pin(pid int, cores []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cores {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		return zerr.With(zerr.Wrap(err, "pinning process to cores"), "pid", pid)
	}
	return nil
}

// Supported reports whether CPU pinning is available on this platform.
const Supported = true
