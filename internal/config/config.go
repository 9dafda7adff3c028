package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/loykin/janus/internal/auth"
	"github.com/loykin/janus/internal/env"
	"github.com/loykin/janus/internal/logger"
	"github.com/loykin/janus/internal/metrics"
	"github.com/loykin/janus/internal/process"
	"github.com/loykin/janus/internal/tls"
)

// EnvPrefix is the prefix of environment overrides, e.g. JANUS_GLOBAL_LOG_LEVEL.
const EnvPrefix = "JANUS"

// DefaultFileName is searched in the working directory and /etc/janus when no
// path is given.
const DefaultFileName = "janus.toml"

// Defaults for the network endpoints.
const (
	DefaultControlListen = "127.0.0.1:9701"
	DefaultMetricsListen = ":9702"
)

// FileConfig is the decoded TOML document.
type FileConfig struct {
	Global  GlobalSection   `mapstructure:"global"`
	Control ControlConfig   `mapstructure:"control"`
	Metrics MetricsConfig   `mapstructure:"metrics"`
	History HistoryConfig   `mapstructure:"history"`
	Process []ProcessConfig `mapstructure:"process"`
}

type GlobalSection struct {
	WorkDir       string              `mapstructure:"working_dir"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	ShutdownGrace time.Duration       `mapstructure:"shutdown_grace"`
	Subreaper     bool                `mapstructure:"subreaper"`
	EnvFiles      []string            `mapstructure:"env_files"`
	Log           logger.OutputConfig `mapstructure:"log"`
}

type ControlConfig struct {
	Enabled  bool        `mapstructure:"enabled"`
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      tls.Config  `mapstructure:"tls"`
	Auth     auth.Config `mapstructure:"auth"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Listen    string                 `mapstructure:"listen"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

type HistoryConfig struct {
	DSN      []string `mapstructure:"dsn"`
	RingSize int      `mapstructure:"ring_size"`
}

// ProcessConfig is one [[process]] table.
type ProcessConfig struct {
	Name            string              `mapstructure:"name"`
	Command         string              `mapstructure:"command"`
	Args            []string            `mapstructure:"args"`
	WorkDir         string              `mapstructure:"working_dir"`
	EnvFiles        []string            `mapstructure:"env_files"`
	AutoRestart     bool                `mapstructure:"auto_restart"`
	RestartLimit    *int                `mapstructure:"restart_limit"`
	RestartDelay    *time.Duration      `mapstructure:"restart_delay"` // nil when unset; 0 restarts immediately
	RestartBackoff  float64             `mapstructure:"restart_backoff"`
	MaxRestartDelay time.Duration       `mapstructure:"max_restart_delay"`
	StopSignal      string              `mapstructure:"stop_signal"`
	Log             logger.OutputConfig `mapstructure:"log"`
}

// Settings are the supervisor-level knobs that are not part of the registry.
type Settings struct {
	LogLevel  string
	LogFormat string
	Subreaper bool
	Output    logger.OutputConfig
	Control   ControlConfig
	Metrics   MetricsConfig
	History   HistoryConfig
}

// Config is a fully loaded configuration file.
type Config struct {
	Path     string
	Global   process.GlobalConfig
	Specs    []process.Spec
	Settings Settings
}

// Registry validates the process definitions.
func (c *Config) Registry() (*process.Registry, error) {
	return process.NewRegistry(c.Global, c.Specs)
}

// envTables mirrors the env tables of the document. They are decoded with
// go-toml directly because viper lower-cases map keys.
type envTables struct {
	Global struct {
		Env any `toml:"env"`
	} `toml:"global"`
	Process []struct {
		Name string `toml:"name"`
		Env  any    `toml:"env"`
	} `toml:"process"`
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFileName, filepath.Ext(DefaultFileName)))
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/janus")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("global.working_dir", "")
	v.SetDefault("global.log_level", "info")
	v.SetDefault("global.log_format", logger.FormatText)
	v.SetDefault("global.shutdown_grace", process.DefaultShutdownGrace.String())
	v.SetDefault("global.subreaper", false)
	v.SetDefault("control.enabled", true)
	v.SetDefault("control.listen", DefaultControlListen)
	v.SetDefault("control.base_path", "/api")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", DefaultMetricsListen)
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", "5s")
	v.SetDefault("metrics.resources.max_history", 60)
	v.SetDefault("history.ring_size", 512)
	return v
}

// Load reads a janus TOML file. An empty path searches ./janus.toml and
// /etc/janus/janus.toml. Process definitions are decoded but not validated;
// call Registry for that.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	used := v.ConfigFileUsed()

	var fc FileConfig
	hooks := mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&fc, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	tables, err := readEnvTables(used)
	if err != nil {
		return nil, err
	}
	return build(used, &fc, tables)
}

func readEnvTables(path string) (*envTables, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var t envTables
	if err := toml.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode env tables: %w", err)
	}
	return &t, nil
}

func build(path string, fc *FileConfig, tables *envTables) (*Config, error) {
	g := fc.Global
	if _, ok := logger.ParseLevel(g.LogLevel); !ok {
		return nil, &process.ConfigError{Field: "global.log_level", Reason: fmt.Sprintf("unknown level %q", g.LogLevel)}
	}
	if !logger.ValidFormat(g.LogFormat) {
		return nil, &process.ConfigError{Field: "global.log_format", Reason: fmt.Sprintf("unknown format %q", g.LogFormat)}
	}
	if g.ShutdownGrace < 0 {
		return nil, &process.ConfigError{Field: "global.shutdown_grace", Reason: "cannot be negative"}
	}
	if _, err := tls.ParseVersion(fc.Control.TLS.MinVersion); err != nil {
		return nil, &process.ConfigError{Field: "control.tls.min_version", Reason: err.Error()}
	}
	if err := fc.Control.Auth.Validate(); err != nil {
		return nil, &process.ConfigError{Field: "control.auth", Reason: err.Error()}
	}

	base := filepath.Dir(path)
	globalEnv, err := loadEnvFiles(base, g.EnvFiles)
	if err != nil {
		return nil, &process.ConfigError{Field: "global.env_files", Reason: err.Error()}
	}
	inline, err := envValue(tables.Global.Env)
	if err != nil {
		return nil, &process.ConfigError{Field: "global.env", Reason: err.Error()}
	}
	for k, v := range inline {
		globalEnv[k] = v
	}

	procEnv := make(map[string]any, len(tables.Process))
	for _, p := range tables.Process {
		procEnv[p.Name] = p.Env
	}

	specs := make([]process.Spec, 0, len(fc.Process))
	for _, pc := range fc.Process {
		e, err := loadEnvFiles(base, pc.EnvFiles)
		if err != nil {
			return nil, &process.ConfigError{Name: pc.Name, Field: "env_files", Reason: err.Error()}
		}
		inline, err := envValue(procEnv[pc.Name])
		if err != nil {
			return nil, &process.ConfigError{Name: pc.Name, Field: "env", Reason: err.Error()}
		}
		for k, v := range inline {
			e[k] = v
		}
		if len(e) == 0 {
			e = nil
		}
		specs = append(specs, process.Spec{
			Name:            pc.Name,
			Command:         pc.Command,
			Args:            pc.Args,
			WorkDir:         pc.WorkDir,
			Env:             e,
			AutoRestart:     pc.AutoRestart,
			RestartLimit:    pc.RestartLimit,
			RestartDelay:    pc.RestartDelay,
			RestartBackoff:  pc.RestartBackoff,
			MaxRestartDelay: pc.MaxRestartDelay,
			StopSignal:      pc.StopSignal,
			Log:             pc.Log,
		})
	}

	if len(globalEnv) == 0 {
		globalEnv = nil
	}
	return &Config{
		Path: path,
		Global: process.GlobalConfig{
			WorkDir:       g.WorkDir,
			LogLevel:      g.LogLevel,
			Env:           globalEnv,
			ShutdownGrace: g.ShutdownGrace,
		},
		Specs: specs,
		Settings: Settings{
			LogLevel:  g.LogLevel,
			LogFormat: g.LogFormat,
			Subreaper: g.Subreaper,
			Output:    g.Log,
			Control:   controlWithPaths(base, fc.Control),
			Metrics:   fc.Metrics,
			History:   fc.History,
		},
	}, nil
}

// controlWithPaths resolves relative certificate locations against base.
func controlWithPaths(base string, c ControlConfig) ControlConfig {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.TLS.CertFile = abs(c.TLS.CertFile)
	c.TLS.KeyFile = abs(c.TLS.KeyFile)
	c.TLS.Dir = abs(c.TLS.Dir)
	return c
}

// loadEnvFiles merges .env files in order; relative paths are resolved
// against the directory of the configuration file.
func loadEnvFiles(base string, files []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, f := range files {
		if !filepath.IsAbs(f) {
			f = filepath.Join(base, f)
		}
		vars, err := env.LoadFile(f)
		if err != nil {
			return nil, err
		}
		for k, v := range vars {
			out[k] = v
		}
	}
	return out, nil
}

// envValue accepts an inline table (env = { A = "1" }) or a list of
// KEY=VALUE strings (env = ["A=1"]).
func envValue(raw any) (map[string]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			switch val.(type) {
			case map[string]any, []any:
				return nil, fmt.Errorf("value of %s must be a scalar", k)
			}
			out[k] = fmt.Sprint(val)
		}
		return out, nil
	case []any:
		kvs := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok || !strings.Contains(s, "=") {
				return nil, fmt.Errorf("entry %v is not KEY=VALUE", item)
			}
			kvs = append(kvs, s)
		}
		return env.Parse(kvs), nil
	default:
		return nil, fmt.Errorf("must be a table or a list of KEY=VALUE strings, got %T", raw)
	}
}

// durationHook decodes integers and numeric strings as seconds and anything
// else as a Go duration string.
func durationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				return time.Duration(0), nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(f * float64(time.Second)), nil
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q", v)
			}
			return d, nil
		}
		return data, nil
	}
}

// Names lists the process names of c in declaration order.
func (c *Config) Names() []string {
	out := make([]string, 0, len(c.Specs))
	for _, s := range c.Specs {
		out = append(out, s.Name)
	}
	return out
}
