package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loykin/janus/internal/env"
	"github.com/loykin/janus/internal/history"
	"github.com/loykin/janus/internal/logger"
	"github.com/loykin/janus/internal/metrics"
	"github.com/loykin/janus/internal/process"
)

const (
	defaultEventBuffer = 256
	defaultRingSize    = 512
	// killWait bounds the wait for a SIGKILLed run to be reaped.
	killWait = 5 * time.Second
	// pollInterval paces checks for processes the reaper is not told about.
	pollInterval = 20 * time.Millisecond
)

// Options tunes a Supervisor. Zero values are usable.
type Options struct {
	Logger    *slog.Logger
	Sinks     []history.Sink      // receive every state-change event
	Output    logger.OutputConfig // default capture files for specs without their own
	Stdout    io.Writer           // console destination of captured stdout, default os.Stdout
	Stderr    io.Writer           // console destination of captured stderr, default os.Stderr
	Grace     time.Duration       // overrides the registry's shutdown grace when > 0
	RingSize  int                 // events kept for Events, default 512
	Subreaper bool                // adopt orphaned descendants (Linux)
}

// Supervisor owns one handle per registered spec and orchestrates their
// lifecycles.
type Supervisor struct {
	reg    *process.Registry
	opts   Options
	logger *slog.Logger
	grace  time.Duration
	env    *env.Env
	reaper *reaper

	handles map[string]*handle // fixed after New

	cmdMu sync.Mutex // serializes orchestration commands

	exits  chan exitNotice
	events chan history.Event
	ring   *history.Ring

	// signal delivers graceful and forwarded signals; replaced in tests
	signal func(name string, pid int, sig syscall.Signal) error

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	draining  atomic.Bool // set once a termination signal starts the final shutdown
	loops     sync.WaitGroup
}

// New builds a supervisor for reg and starts its monitor and event loops.
// No process is spawned until Start.
func New(reg *process.Registry, opts Options) (*Supervisor, error) {
	if reg == nil {
		return nil, errors.New("nil registry")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.RingSize <= 0 {
		opts.RingSize = defaultRingSize
	}
	grace := reg.Global().Grace()
	if opts.Grace > 0 {
		grace = opts.Grace
	}
	if opts.Subreaper {
		if err := becomeSubreaper(); err != nil {
			opts.Logger.Warn("could not become child subreaper", "error", err)
		}
	}

	e := env.New()
	e.FromOS()

	s := &Supervisor{
		reg:     reg,
		opts:    opts,
		logger:  opts.Logger,
		grace:   grace,
		env:     e,
		reaper:  sharedReaper(opts.Logger),
		handles: make(map[string]*handle, reg.Len()),
		exits:   make(chan exitNotice, defaultEventBuffer),
		events:  make(chan history.Event, defaultEventBuffer),
		ring:    history.NewRing(opts.RingSize),
		done:    make(chan struct{}),
	}
	s.signal = func(_ string, pid int, sig syscall.Signal) error {
		return process.SignalGroup(pid, sig)
	}
	for _, spec := range reg.All() {
		s.handles[spec.Name] = newHandle(s, spec)
	}
	s.loops.Add(2)
	go s.monitor()
	go s.dispatch()
	return s, nil
}

// Registry returns the registry the supervisor was built from.
func (s *Supervisor) Registry() *process.Registry { return s.reg }

// Grace returns the effective shutdown grace period.
func (s *Supervisor) Grace() time.Duration { return s.grace }

func (s *Supervisor) lookup(name string) (*handle, error) {
	h, ok := s.handles[name]
	if !ok {
		return nil, &process.UnknownProcessError{Name: name}
	}
	return h, nil
}

// ordered returns handles in declaration order.
func (s *Supervisor) ordered() []*handle {
	names := s.reg.Names()
	out := make([]*handle, 0, len(names))
	for _, n := range names {
		out = append(out, s.handles[n])
	}
	return out
}

// deliver hands an exit notice to the monitor. It never blocks the reaper
// after Close.
func (s *Supervisor) deliver(n exitNotice) {
	select {
	case s.exits <- n:
	case <-s.done:
	}
}

// emit records a state-change event and queues it for the sinks. It is
// called with the handle lock held, so the ring always sees a handle's events
// in transition order. It never blocks: when the queue is full the event is
// kept in the ring but not exported.
func (s *Supervisor) emit(e history.Event) {
	s.ring.Add(e)
	select {
	case s.events <- e:
	default:
		s.logger.Warn("event queue full, event not exported", "name", e.Record.Name, "to", e.Record.To)
	}
}

func (s *Supervisor) dispatch() {
	defer s.loops.Done()
	for {
		select {
		case e := <-s.events:
			s.publish(e)
		case <-s.done:
			for {
				select {
				case e := <-s.events:
					s.publish(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Supervisor) publish(e history.Event) {
	s.logger.Debug("state change", "name", e.Record.Name, "from", e.Record.From, "to", e.Record.To, "pid", e.Record.PID)
	for _, sink := range s.opts.Sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sink.Send(ctx, e); err != nil {
			s.logger.Warn("history sink failed", "name", e.Record.Name, "error", err)
		}
		cancel()
	}
}

func (s *Supervisor) monitor() {
	defer s.loops.Done()
	for {
		select {
		case n := <-s.exits:
			s.handleExit(n)
		case <-s.done:
			return
		}
	}
}

func exitOutcome(st process.ExitStatus) string {
	switch {
	case st.Signal != "":
		return "signal"
	case st.Code == 0:
		return "success"
	default:
		return "failure"
	}
}

func (s *Supervisor) handleExit(n exitNotice) {
	h := n.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if n.runID != h.runID {
		s.logger.Debug("ignoring exit of a superseded run", "name", h.spec.Name, "pid", n.pid)
		return
	}
	st := n.status
	h.lastExit = &st
	metrics.IncExit(h.spec.Name, exitOutcome(st))

	to := process.StateStopped
	if !h.stopRequested && !st.Success() {
		to = process.StateFailed
		h.lastErr = fmt.Errorf("exited unexpectedly: %s", st)
	}
	h.transitionLocked(to)
	h.endRunLocked()

	lvl := slog.LevelInfo
	if to == process.StateFailed {
		lvl = slog.LevelWarn
	}
	s.logger.Log(context.Background(), lvl, "process exited", "name", h.spec.Name, "pid", n.pid, "status", st.String(), "state", to)

	if h.stopRequested {
		return
	}
	s.applyPolicyLocked(h)
}

// applyPolicyLocked consults Decide after an unrequested exit or spawn failure.
func (s *Supervisor) applyPolicyLocked(h *handle) {
	d := Decide(PolicyInput{Spec: &h.spec, RestartCount: h.restartCount, StopRequested: h.stopRequested})
	if !d.Restart {
		if d.Reason == ReasonLimitReached {
			s.logger.Error("restart limit reached, giving up", "name", h.spec.Name, "restarts", h.restartCount)
		} else if h.state == process.StateFailed {
			s.logger.Info("not restarting", "name", h.spec.Name, "reason", d.Reason)
		}
		return
	}
	if s.closed.Load() {
		return
	}
	h.scheduleLocked(d.Delay)
	s.logger.Info("restart scheduled", "name", h.spec.Name, "delay", d.Delay, "attempt", h.restartCount+1)
}

// attemptRestart runs a scheduled restart unless its token was revoked.
func (s *Supervisor) attemptRestart(h *handle, id uint64) {
	h.opMu.Lock()
	defer h.opMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil || h.pending.id != id || h.stopRequested || s.closed.Load() {
		return
	}
	h.pending = nil
	h.restartCount++
	metrics.IncRestart(h.spec.Name)
	h.transitionLocked(process.StateRestarting)
	if err := h.spawnLocked(); err != nil {
		s.applyPolicyLocked(h)
	}
}

// Start spawns every process that is not already alive, in declaration
// order. Spawn failures do not stop the remaining processes; they are
// returned joined.
func (s *Supervisor) Start(ctx context.Context) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	var errs []error
	for _, h := range s.ordered() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.startHandle(h, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartOne spawns name unless it is already alive.
func (s *Supervisor) StartOne(_ context.Context, name string) error {
	h, err := s.lookup(name)
	if err != nil {
		return err
	}
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.startHandle(h, false)
}

func (s *Supervisor) startHandle(h *handle, resetCount bool) error {
	if s.closed.Load() {
		return errors.New("supervisor closed")
	}
	h.opMu.Lock()
	defer h.opMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Active() {
		return nil
	}
	h.stopRequested = false
	if h.pending != nil {
		h.pending.timer.Stop()
		h.pending = nil
	}
	if resetCount {
		h.restartCount = 0
	}
	if err := h.spawnLocked(); err != nil {
		s.applyPolicyLocked(h)
		return err
	}
	return nil
}

// Stop gracefully stops every process: all stop signals are sent first, in
// reverse declaration order, then every process gets its own grace period
// concurrently before it is killed. Cancelling ctx kills whatever is left
// immediately. Scheduled restarts are revoked.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	s.stopAll(ctx)
	return nil
}

// Restart stops everything, then starts everything with fresh restart counters.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	s.stopAll(ctx)
	var errs []error
	for _, h := range s.ordered() {
		if err := s.startHandle(h, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopOne stops name with the same graceful-then-kill protocol as Stop.
func (s *Supervisor) StopOne(ctx context.Context, name string) error {
	h, err := s.lookup(name)
	if err != nil {
		return err
	}
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	h.opMu.Lock()
	defer h.opMu.Unlock()
	s.stopHandle(ctx, h)
	return nil
}

// RestartOne stops name, resets its restart counter and starts it again.
func (s *Supervisor) RestartOne(ctx context.Context, name string) error {
	h, err := s.lookup(name)
	if err != nil {
		return err
	}
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	h.opMu.Lock()
	s.stopHandle(ctx, h)
	h.opMu.Unlock()
	return s.startHandle(h, true)
}

// SignalOne delivers sig to the process group of name.
func (s *Supervisor) SignalOne(name string, sig syscall.Signal) error {
	h, err := s.lookup(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != process.StateRunning && h.state != process.StateStopping {
		return fmt.Errorf("%s (state %s): %w", name, h.state, process.ErrNotRunning)
	}
	return s.signal(name, h.pid, sig)
}

// forward delivers sig to every running process group.
func (s *Supervisor) forward(sig syscall.Signal) {
	for _, h := range s.ordered() {
		h.mu.Lock()
		if h.state == process.StateRunning {
			if err := s.signal(h.spec.Name, h.pid, sig); err != nil {
				s.logger.Warn("forward signal failed", "name", h.spec.Name, "signal", sig, "error", err)
			}
		}
		h.mu.Unlock()
	}
}

// Status returns a snapshot of every process in declaration order. It never
// changes state.
func (s *Supervisor) Status() []process.Status {
	hs := s.ordered()
	out := make([]process.Status, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.status())
	}
	return out
}

// StatusOne returns the snapshot of name.
func (s *Supervisor) StatusOne(name string) (process.Status, error) {
	h, err := s.lookup(name)
	if err != nil {
		return process.Status{}, err
	}
	return h.status(), nil
}

// Events returns up to n of the most recent state changes, oldest first.
func (s *Supervisor) Events(n int) []history.Event {
	return s.ring.Recent(n)
}

// PIDs returns the pid of every running process, keyed by name.
func (s *Supervisor) PIDs() map[string]int32 {
	out := make(map[string]int32)
	for _, st := range s.Status() {
		if st.State == process.StateRunning && st.PID > 0 {
			out[st.Name] = int32(st.PID)
		}
	}
	return out
}

// ErrShuttingDown is reported by Healthy once the final shutdown has begun.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// Healthy returns nil while the supervisor serves commands.
func (s *Supervisor) Healthy() error {
	if s.draining.Load() || s.closed.Load() {
		return ErrShuttingDown
	}
	return nil
}

// Close revokes scheduled restarts and stops the supervisor's loops. It does
// not stop processes; call Stop first.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		for _, h := range s.ordered() {
			h.mu.Lock()
			if h.pending != nil {
				h.pending.timer.Stop()
				h.pending = nil
			}
			h.mu.Unlock()
		}
		close(s.done)
		s.loops.Wait()
	})
	return nil
}
