//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// ConfigureSysProcAttr puts the child in its own process group so that stop and
// kill signals reach everything it forks.
func ConfigureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
