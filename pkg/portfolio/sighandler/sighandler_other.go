//go:build !unix

package sighandler

import "os"

func watchedSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

func classify(sig os.Signal) (Event, bool) {
	if sig == os.Interrupt {
		return EventTerminate, true
	}
	return 0, false
}

// raiseSelf has nothing to raise without POSIX SIGSTOP; non-unix hosts
// don't support the cooperative suspend/resume path at all.
func raiseSelf() {}
