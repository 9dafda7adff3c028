package process

import (
	"maps"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/loykin/janus/internal/logger"
)

// DefaultRestartDelay is used when a spec does not configure restart_delay.
const DefaultRestartDelay = time.Second

// Spec describes a process to be supervised.
// Once a Spec is part of a Registry it must be treated as read-only.
type Spec struct {
	Name            string              `json:"name"`
	Command         string              `json:"command"`                     // executable path/name, or a full command line when Args is empty
	Args            []string            `json:"args,omitempty"`              // ordered arguments
	WorkDir         string              `json:"working_dir,omitempty"`       // optional; defaults to the global working dir
	Env             map[string]string   `json:"env,omitempty"`               // merged over the global env, process keys win
	AutoRestart     bool                `json:"auto_restart"`                // restart after an unexpected exit
	RestartLimit    *int                `json:"restart_limit,omitempty"`     // nil means unlimited
	RestartDelay    *time.Duration      `json:"restart_delay,omitempty"`     // wait before a restart attempt, nil means the default
	RestartBackoff  float64             `json:"restart_backoff,omitempty"`   // delay multiplier per restart, <= 1 keeps the delay fixed
	MaxRestartDelay time.Duration       `json:"max_restart_delay,omitempty"` // cap for the backoff delay
	StopSignal      string              `json:"stop_signal,omitempty"`       // graceful signal, default SIGTERM
	Log             logger.OutputConfig `json:"log"`                         // optional capture files
}

// Clone returns a deep copy of s.
func (s Spec) Clone() Spec {
	c := s
	if s.Args != nil {
		c.Args = append([]string(nil), s.Args...)
	}
	if s.Env != nil {
		c.Env = maps.Clone(s.Env)
	}
	if s.RestartLimit != nil {
		n := *s.RestartLimit
		c.RestartLimit = &n
	}
	if s.RestartDelay != nil {
		d := *s.RestartDelay
		c.RestartDelay = &d
	}
	return c
}

// EffectiveRestartDelay returns RestartDelay or the default when unset.
// An explicit zero restarts immediately.
func (s *Spec) EffectiveRestartDelay() time.Duration {
	if s.RestartDelay == nil || *s.RestartDelay < 0 {
		return DefaultRestartDelay
	}
	return *s.RestartDelay
}

const shellMeta = "|&;<>*?`$\"'(){}[]~"

// BuildCommand returns the exec.Cmd for s. Explicit Args run Command
// directly. Otherwise Command is a command line: "sh -c SCRIPT" runs SCRIPT
// under /bin/sh, a line with shell metacharacters goes through /bin/sh -c
// as a whole, and anything else is split on whitespace and exec'd.
func (s *Spec) BuildCommand() *exec.Cmd {
	line := strings.TrimSpace(s.Command)
	switch {
	case line == "":
		return exec.Command("/bin/true")
	case len(s.Args) > 0:
		return exec.Command(line, s.Args...) // #nosec G204
	}
	// /bin/sh by absolute path: the child's PATH may be overridden by Env.
	if script, ok := shellScript(line); ok {
		return exec.Command("/bin/sh", "-c", script) // #nosec G204
	}
	if strings.ContainsAny(line, shellMeta) {
		return exec.Command("/bin/sh", "-c", line) // #nosec G204
	}
	argv := strings.Fields(line)
	return exec.Command(argv[0], argv[1:]...) // #nosec G204
}

// CommandLine renders the command and args for display.
func (s *Spec) CommandLine() string {
	if len(s.Args) == 0 {
		return s.Command
	}
	return s.Command + " " + strings.Join(s.Args, " ")
}

// shellScript recognizes "sh -c SCRIPT" where sh may be given by path, and
// returns SCRIPT with one pair of enclosing quotes removed.
func shellScript(line string) (string, bool) {
	shell, script, ok := strings.Cut(line, " -c ")
	if !ok || strings.ContainsAny(shell, " \t") || path.Base(shell) != "sh" {
		return "", false
	}
	script = strings.TrimSpace(script)
	if n := len(script); n >= 2 && (script[0] == '\'' || script[0] == '"') && script[n-1] == script[0] {
		script = script[1 : n-1]
	}
	return script, true
}
