package supervisor

import (
	"os"

	"golang.org/x/sys/unix"
)

// becomeSubreaper makes orphaned descendants reparent to this process instead
// of init. PID 1 already receives them.
func becomeSubreaper() error {
	if os.Getpid() == 1 {
		return nil
	}
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}
