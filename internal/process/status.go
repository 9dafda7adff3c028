package process

import (
	"fmt"
	"syscall"
	"time"
)

// ExitStatus is how a run ended.
type ExitStatus struct {
	Code   int    `json:"code"`             // exit code, -1 when killed by a signal
	Signal string `json:"signal,omitempty"` // terminating signal name, if any
}

// ExitFromWaitStatus converts a wait(2) status.
func ExitFromWaitStatus(ws syscall.WaitStatus) ExitStatus {
	if ws.Signaled() {
		return ExitStatus{Code: -1, Signal: SignalName(ws.Signal())}
	}
	return ExitStatus{Code: ws.ExitStatus()}
}

// Success reports a clean exit (code 0, no signal).
func (e ExitStatus) Success() bool { return e.Code == 0 && e.Signal == "" }

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return "signal: " + e.Signal
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Status is a point-in-time snapshot of one supervised process.
type Status struct {
	Name           string      `json:"name"`
	State          State       `json:"state"`
	PID            int         `json:"pid,omitempty"` // only while the OS process is alive
	RestartCount   int         `json:"restart_count"`
	LastExitStatus *ExitStatus `json:"last_exit_status,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	StartedAt      time.Time   `json:"started_at,omitempty"`
	Since          time.Time   `json:"since"` // time of the last transition
	RestartPending bool        `json:"restart_pending,omitempty"`
}

// Running reports whether the process is in the running state.
func (s Status) Running() bool { return s.State == StateRunning }
