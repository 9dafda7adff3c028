//go:build !windows

package process

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ParseSignal accepts "SIGTERM", "TERM", "term" or a number.
// An empty name yields SIGTERM.
func ParseSignal(name string) (syscall.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" {
		return syscall.SIGTERM, nil
	}
	if v, err := strconv.Atoi(n); err == nil {
		if v <= 0 {
			return 0, fmt.Errorf("invalid signal number %d", v)
		}
		return syscall.Signal(v), nil
	}
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	sig := unix.SignalNum(n)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// SignalName returns the short lower-case description used in exit statuses,
// e.g. "killed" or "terminated".
func SignalName(sig syscall.Signal) string {
	return sig.String()
}

// SignalGroup delivers sig to the process group led by pid.
// Children are started with Setpgid, so the group id equals the leader pid.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		// The leader may have set up its own group; fall back to the pid itself.
		if err == syscall.ESRCH {
			return syscall.Kill(pid, sig)
		}
		return err
	}
	return nil
}

// Exists reports whether pid still exists (zombies included).
func Exists(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}

// GroupExists reports whether process group pgid still has a member,
// zombies included.
func GroupExists(pgid int) bool {
	return pgid > 0 && syscall.Kill(-pgid, 0) == nil
}

// KillGroup delivers sig to every member of group pgid. Unlike SignalGroup
// it never falls back to a single pid.
func KillGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return fmt.Errorf("invalid process group %d", pgid)
	}
	return syscall.Kill(-pgid, sig)
}
