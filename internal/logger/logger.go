package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Supported log formats.
const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatColor = "color"
)

// OutputConfig describes where captured child output is persisted.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
// Rotation parameters follow lumberjack semantics.
type OutputConfig struct {
	Dir        string `json:"dir,omitempty" mapstructure:"dir"`                 // base directory for logs
	StdoutPath string `json:"stdout,omitempty" mapstructure:"stdout"`           // explicit stdout path overrides Dir
	StderrPath string `json:"stderr,omitempty" mapstructure:"stderr"`           // explicit stderr path overrides Dir
	MaxSizeMB  int    `json:"max_size_mb,omitempty" mapstructure:"max_size_mb"` // megabytes before rotation (default 10)
	MaxBackups int    `json:"max_backups,omitempty" mapstructure:"max_backups"` // number of backups to keep (default 3)
	MaxAgeDays int    `json:"max_age_days,omitempty" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress,omitempty" mapstructure:"compress"` // Gzip rotated files
}

// IsZero reports whether no output file is configured.
func (c OutputConfig) IsZero() bool {
	return c.Dir == "" && c.StdoutPath == "" && c.StderrPath == ""
}

// Or returns c when it configures a destination, otherwise def with c's
// rotation settings applied where set.
func (c OutputConfig) Or(def OutputConfig) OutputConfig {
	if !c.IsZero() {
		return c
	}
	out := def
	if c.MaxSizeMB > 0 {
		out.MaxSizeMB = c.MaxSizeMB
	}
	if c.MaxBackups > 0 {
		out.MaxBackups = c.MaxBackups
	}
	if c.MaxAgeDays > 0 {
		out.MaxAgeDays = c.MaxAgeDays
	}
	out.Compress = out.Compress || c.Compress
	return out
}

// Writers returns io.WriteClosers for stdout and stderr for given process name.
// Either writer is nil when no destination is configured for it.
func (c OutputConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

func (c OutputConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown values fall
// back to info and report false.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// New builds the supervisor logger writing to w in the given format.
func New(level, format string, w io.Writer) *slog.Logger {
	lvl, _ := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case FormatColor:
		h = NewColorTextHandler(w, opts, true)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ValidFormat reports whether format is one New understands.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case "", FormatText, FormatJSON, FormatColor:
		return true
	}
	return false
}
