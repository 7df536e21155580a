package affinity

import (
	"os"
	"testing"
)

func TestPinOnCurrentProcessDoesNotError(t *testing.T) {
	if err := Pin(os.Getpid(), []int{0}); err != nil && Supported {
		t.Fatalf("Pin on self failed on a platform that claims support: %v", err)
	}
}
