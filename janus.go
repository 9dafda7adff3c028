package janus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/janus/internal/auth"
	cfg "github.com/loykin/janus/internal/config"
	"github.com/loykin/janus/internal/history"
	"github.com/loykin/janus/internal/history/factory"
	"github.com/loykin/janus/internal/logger"
	"github.com/loykin/janus/internal/metrics"
	"github.com/loykin/janus/internal/process"
	iapi "github.com/loykin/janus/internal/server"
	"github.com/loykin/janus/internal/supervisor"
	itls "github.com/loykin/janus/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = process.Status

type State = process.State

type ExitStatus = process.ExitStatus

type GlobalConfig = process.GlobalConfig

type Config = cfg.Config

type Event = history.Event

type HistorySink = history.Sink

type Options = supervisor.Options

type ResourceConfig = metrics.ResourceConfig

const (
	StatePending    = process.StatePending
	StateStarting   = process.StateStarting
	StateRunning    = process.StateRunning
	StateStopping   = process.StateStopping
	StateStopped    = process.StateStopped
	StateFailed     = process.StateFailed
	StateRestarting = process.StateRestarting
)

// ErrUnknownProcess is matched by errors for undeclared process names.
var ErrUnknownProcess = process.ErrUnknownProcess

// Supervisor is a thin facade over internal/supervisor.
// It provides a stable public API for embedding.
type Supervisor struct{ inner *supervisor.Supervisor }

// New validates specs and builds a supervisor. Nothing runs until Start or Run.
func New(global GlobalConfig, specs []Spec, opts Options) (*Supervisor, error) {
	reg, err := process.NewRegistry(global, specs)
	if err != nil {
		return nil, err
	}
	inner, err := supervisor.New(reg, opts)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: inner}, nil
}

func (s *Supervisor) Start(ctx context.Context) error   { return s.inner.Start(ctx) }
func (s *Supervisor) Stop(ctx context.Context) error    { return s.inner.Stop(ctx) }
func (s *Supervisor) Restart(ctx context.Context) error { return s.inner.Restart(ctx) }
func (s *Supervisor) StartOne(ctx context.Context, name string) error {
	return s.inner.StartOne(ctx, name)
}
func (s *Supervisor) StopOne(ctx context.Context, name string) error {
	return s.inner.StopOne(ctx, name)
}
func (s *Supervisor) RestartOne(ctx context.Context, name string) error {
	return s.inner.RestartOne(ctx, name)
}
func (s *Supervisor) SignalOne(name string, sig syscall.Signal) error {
	return s.inner.SignalOne(name, sig)
}
func (s *Supervisor) Status() []Status                      { return s.inner.Status() }
func (s *Supervisor) StatusOne(name string) (Status, error) { return s.inner.StatusOne(name) }
func (s *Supervisor) Events(n int) []Event                  { return s.inner.Events(n) }

// Run starts every process and blocks until SIGTERM/SIGINT/SIGQUIT or ctx
// cancellation, then shuts everything down.
func (s *Supervisor) Run(ctx context.Context) error { return s.inner.Run(ctx) }

// Close releases the supervisor's goroutines. It does not stop processes.
func (s *Supervisor) Close() error { return s.inner.Close() }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHTTPHandler exposes the control API of s under basePath.
func NewHTTPHandler(s *Supervisor, basePath string) http.Handler {
	return iapi.NewRouter(s.inner, basePath, nil, nil).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// RunOptions tunes RunConfig. Zero values use the process's stdio.
type RunOptions struct {
	Stdout io.Writer    // captured child stdout, default os.Stdout
	Stderr io.Writer    // captured child stderr and supervisor logs, default os.Stderr
	Logger *slog.Logger // overrides the logger built from the config
}

// RunConfig is the foreground entrypoint used by `janus run`: it wires the
// history sinks, metrics, resource sampling and HTTP endpoints described by
// c around a supervisor and runs it until a termination signal or ctx
// cancellation. Any error before the first spawn is a startup error.
func RunConfig(ctx context.Context, c *Config, opts RunOptions) error {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	st := c.Settings
	log := opts.Logger
	if log == nil {
		log = logger.New(st.LogLevel, st.LogFormat, opts.Stderr)
		slog.SetDefault(log)
	}

	reg, err := c.Registry()
	if err != nil {
		return err
	}

	tlsConfig, err := itls.Setup(st.Control.TLS)
	if err != nil {
		return fmt.Errorf("control api tls: %w", err)
	}
	authn, err := auth.New(st.Control.Auth)
	if err != nil {
		return fmt.Errorf("control api auth: %w", err)
	}

	sinks, err := factory.NewSinks(st.History.DSN)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer factory.CloseAll(sinks)

	var resources *metrics.ResourceCollector
	if st.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		resources = metrics.NewResourceCollector(st.Metrics.Resources)
		if err := resources.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	sup, err := supervisor.New(reg, supervisor.Options{
		Logger:    log,
		Sinks:     sinks,
		Output:    st.Output,
		Stdout:    opts.Stdout,
		Stderr:    opts.Stderr,
		RingSize:  st.History.RingSize,
		Subreaper: st.Subreaper,
	})
	if err != nil {
		return err
	}

	srvCtx, stopServers := context.WithCancel(context.Background())
	defer stopServers()
	var serving []<-chan error

	if st.Control.Enabled {
		gin.SetMode(gin.ReleaseMode)
		h := iapi.NewRouter(sup, st.Control.BasePath, resources, log).Use(authn.GinAuth()).Handler()
		srv := iapi.NewServer(st.Control.Listen, h, sup.Grace())
		srv.TLSConfig = tlsConfig
		done, err := iapi.Serve(srvCtx, srv, log)
		if err != nil {
			_ = sup.Close()
			return fmt.Errorf("control api: %w", err)
		}
		serving = append(serving, done)
	}
	if st.Metrics.Enabled {
		h := iapi.NewMetricsHandler(nil, sup.Healthy)
		done, err := iapi.Serve(srvCtx, iapi.NewServer(st.Metrics.Listen, h, 0), log)
		if err != nil {
			stopServers()
			_ = sup.Close()
			return fmt.Errorf("metrics endpoint: %w", err)
		}
		serving = append(serving, done)
		resources.Start(srvCtx, sup.PIDs)
	}

	runErr := sup.Run(ctx)

	stopServers()
	resources.Stop()
	var errs []error
	for _, done := range serving {
		if err := <-done; err != nil {
			errs = append(errs, err)
		}
	}
	if runErr != nil {
		return runErr
	}
	if len(errs) > 0 {
		log.Warn("http endpoints closed with errors", "error", errors.Join(errs...))
	}
	return nil
}
