package process

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownProcess is matched (errors.Is) by every *UnknownProcessError.
	ErrUnknownProcess = errors.New("unknown process")
	// ErrNotRunning is returned when a signal targets a process without a live run.
	ErrNotRunning = errors.New("process not running")
)

// ConfigError reports an invalid process definition. It is fatal at startup.
type ConfigError struct {
	Name   string // process name, empty for global settings
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("config: process %q: %s: %s", e.Name, e.Field, e.Reason)
}

// SpawnError reports that the executable of a process could not be launched.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// UnknownProcessError is returned by name-scoped operations for undeclared names.
type UnknownProcessError struct {
	Name string
}

func (e *UnknownProcessError) Error() string {
	return fmt.Sprintf("unknown process: %s", e.Name)
}

func (e *UnknownProcessError) Is(target error) bool { return target == ErrUnknownProcess }

// ShutdownTimeoutError records that a process ignored its stop signal for the
// whole grace period and had to be killed.
type ShutdownTimeoutError struct {
	Name  string
	PID   int
	Grace time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("process %s (pid %d) did not exit within %s, killed", e.Name, e.PID, e.Grace)
}
