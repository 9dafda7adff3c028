package process

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultShutdownGrace is the supervisor-wide grace period between the stop
// signal and SIGKILL.
const DefaultShutdownGrace = 10 * time.Second

// GlobalConfig carries settings shared by every process definition.
type GlobalConfig struct {
	WorkDir       string            `json:"working_dir,omitempty"`
	LogLevel      string            `json:"log_level,omitempty"` // forwarded to the logger, opaque here
	Env           map[string]string `json:"env,omitempty"`
	ShutdownGrace time.Duration     `json:"shutdown_grace"`
}

// Grace returns the configured shutdown grace or the default.
func (g GlobalConfig) Grace() time.Duration {
	if g.ShutdownGrace <= 0 {
		return DefaultShutdownGrace
	}
	return g.ShutdownGrace
}

// Registry is the immutable, validated table of process definitions.
// Declaration order is preserved because it drives start and shutdown order.
type Registry struct {
	global GlobalConfig
	order  []string
	specs  map[string]Spec
}

// NewRegistry validates specs and resolves their defaults against global.
// It fails with *ConfigError on duplicate or empty names, empty commands, bad
// restart settings, unknown stop signals, or a working directory that does not
// resolve to an existing directory.
func NewRegistry(global GlobalConfig, specs []Spec) (*Registry, error) {
	r := &Registry{
		global: global,
		order:  make([]string, 0, len(specs)),
		specs:  make(map[string]Spec, len(specs)),
	}
	r.global.Env = maps.Clone(global.Env)
	for _, in := range specs {
		s, err := resolve(global, in)
		if err != nil {
			return nil, err
		}
		if _, dup := r.specs[s.Name]; dup {
			return nil, &ConfigError{Name: s.Name, Field: "name", Reason: "duplicate process name"}
		}
		r.specs[s.Name] = s
		r.order = append(r.order, s.Name)
	}
	return r, nil
}

// ValidName reports whether name can identify a process. Names end up in
// file paths and URLs, so separators, whitespace and ".." are rejected.
func ValidName(name string) error {
	if name == "" {
		return &ConfigError{Field: "name", Reason: "process name is required"}
	}
	if strings.ContainsAny(name, "/\\ \t\n") || strings.Contains(name, "..") {
		return &ConfigError{Name: name, Field: "name", Reason: "must not contain whitespace, path separators or '..'"}
	}
	return nil
}

func resolve(global GlobalConfig, in Spec) (Spec, error) {
	s := in.Clone()
	s.Name = strings.TrimSpace(s.Name)
	if err := ValidName(s.Name); err != nil {
		return s, err
	}
	if strings.TrimSpace(s.Command) == "" {
		return s, &ConfigError{Name: s.Name, Field: "command", Reason: "empty command"}
	}
	if s.RestartLimit != nil && *s.RestartLimit < 0 {
		return s, &ConfigError{Name: s.Name, Field: "restart_limit", Reason: "cannot be negative"}
	}
	if s.RestartDelay == nil {
		d := DefaultRestartDelay
		s.RestartDelay = &d
	}
	if *s.RestartDelay < 0 {
		return s, &ConfigError{Name: s.Name, Field: "restart_delay", Reason: "cannot be negative"}
	}
	if s.MaxRestartDelay < 0 {
		return s, &ConfigError{Name: s.Name, Field: "max_restart_delay", Reason: "cannot be negative"}
	}
	if s.MaxRestartDelay > 0 && *s.RestartDelay > s.MaxRestartDelay {
		return s, &ConfigError{Name: s.Name, Field: "max_restart_delay", Reason: fmt.Sprintf("%s is below restart_delay %s", s.MaxRestartDelay, *s.RestartDelay)}
	}
	if _, err := ParseSignal(s.StopSignal); err != nil {
		return s, &ConfigError{Name: s.Name, Field: "stop_signal", Reason: err.Error()}
	}

	dir, err := resolveWorkDir(global.WorkDir, s.WorkDir)
	if err != nil {
		return s, &ConfigError{Name: s.Name, Field: "working_dir", Reason: err.Error()}
	}
	s.WorkDir = dir

	env := maps.Clone(global.Env)
	if env == nil {
		env = make(map[string]string, len(s.Env))
	}
	for k, v := range s.Env {
		env[k] = v
	}
	s.Env = env
	return s, nil
}

func resolveWorkDir(globalDir, dir string) (string, error) {
	if dir == "" {
		dir = globalDir
	}
	if dir == "" {
		return "", nil
	}
	if !filepath.IsAbs(dir) && globalDir != "" && dir != globalDir {
		dir = filepath.Join(globalDir, dir)
	}
	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", &os.PathError{Op: "stat", Path: abs, Err: os.ErrInvalid}
	}
	return abs, nil
}

// Get returns the spec registered under name.
func (r *Registry) Get(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// All returns every spec in declaration order.
func (r *Registry) All() []Spec {
	out := make([]Spec, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.specs[n])
	}
	return out
}

// Names returns process names in declaration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of registered processes.
func (r *Registry) Len() int { return len(r.order) }

// Global returns the global settings the registry was built with.
func (r *Registry) Global() GlobalConfig { return r.global }
