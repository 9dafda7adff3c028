package supervisor

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	psutil "github.com/shirou/gopsutil/v4/process"
	"github.com/sourcegraph/conc"

	"github.com/loykin/janus/internal/metrics"
	"github.com/loykin/janus/internal/process"
)

var (
	shutdownSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT}
	forwardSignals  = []os.Signal{syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2}
)

func isShutdownSignal(sig os.Signal) bool {
	for _, s := range shutdownSignals {
		if s == sig {
			return true
		}
	}
	return false
}

type stopWait struct {
	h      *handle
	pid    int
	exited chan struct{}
}

// stopAll runs the shutdown protocol over every handle. Caller holds cmdMu.
func (s *Supervisor) stopAll(ctx context.Context) {
	hs := s.ordered()
	for i := len(hs) - 1; i >= 0; i-- {
		hs[i].opMu.Lock()
	}
	defer func() {
		for _, h := range hs {
			h.opMu.Unlock()
		}
	}()

	deadline := time.Now().Add(s.grace)
	waits := make(map[*handle]stopWait, len(hs))
	for i := len(hs) - 1; i >= 0; i-- {
		if w, ok := s.signalStop(hs[i]); ok {
			waits[hs[i]] = w
		}
		s.signalLingering(hs[i])
	}

	var wg conc.WaitGroup
	for _, h := range hs {
		wg.Go(func() {
			if w, ok := waits[h]; ok {
				s.awaitExit(ctx, w)
			}
			s.awaitGroups(ctx, h, deadline)
		})
	}
	wg.Wait()
}

// stopHandle stops a single handle. Caller holds cmdMu and h.opMu.
func (s *Supervisor) stopHandle(ctx context.Context, h *handle) {
	deadline := time.Now().Add(s.grace)
	w, ok := s.signalStop(h)
	s.signalLingering(h)
	if ok {
		s.awaitExit(ctx, w)
	}
	s.awaitGroups(ctx, h, deadline)
}

// signalStop moves h to Stopping and sends its stop signal. It reports false
// when there is nothing to wait for.
func (s *Supervisor) signalStop(h *handle) (stopWait, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pid, exited, fresh := h.beginStopLocked()
	if exited == nil {
		return stopWait{}, false
	}
	if fresh {
		sig, _ := process.ParseSignal(h.spec.StopSignal)
		s.logger.Info("stopping process", "name", h.spec.Name, "pid", pid, "signal", sig)
		if err := s.signal(h.spec.Name, pid, sig); err != nil {
			s.logger.Debug("stop signal not delivered", "name", h.spec.Name, "pid", pid, "error", err)
		}
	}
	return stopWait{h: h, pid: pid, exited: exited}, true
}

// awaitExit waits for the run to be reaped, escalating to SIGKILL when the
// grace period expires or ctx is cancelled.
func (s *Supervisor) awaitExit(ctx context.Context, w stopWait) {
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-w.exited:
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	h := w.h
	terr := &process.ShutdownTimeoutError{Name: h.spec.Name, PID: w.pid, Grace: s.grace}
	h.mu.Lock()
	if h.exited != w.exited {
		// reaped while we were deciding
		h.mu.Unlock()
		return
	}
	h.lastErr = terr
	h.mu.Unlock()

	s.logger.Warn("force killing process", "name", h.spec.Name, "pid", w.pid, "error", terr)
	metrics.IncForceKill(h.spec.Name)
	if err := s.signal(h.spec.Name, w.pid, syscall.SIGKILL); err != nil {
		s.logger.Debug("kill not delivered", "name", h.spec.Name, "pid", w.pid, "error", err)
	}
	s.reaper.poke()

	kill := time.NewTimer(killWait)
	defer kill.Stop()
	select {
	case <-w.exited:
		return
	case <-kill.C:
	}

	// The kernel has not released the child; stop tracking it so the handle
	// still reaches Stopped. A late exit notice is ignored by run id.
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited == w.exited && h.state == process.StateStopping {
		s.logger.Error("process did not die after SIGKILL, abandoning it", "name", h.spec.Name, "pid", w.pid)
		h.transitionLocked(process.StateStopped)
		h.endRunLocked()
	}
}

// signalLingering sends the stop signal to the groups left behind by
// earlier runs of h, such as background children of a shell that exited.
func (s *Supervisor) signalLingering(h *handle) {
	sig, _ := process.ParseSignal(h.spec.StopSignal)
	for _, g := range h.lingering() {
		s.logger.Info("stopping leftover process group", "name", h.spec.Name, "pgid", g, "signal", sig)
		if err := process.KillGroup(g, sig); err != nil {
			s.logger.Debug("stop signal not delivered", "name", h.spec.Name, "pgid", g, "error", err)
		}
	}
}

// awaitGroups waits until every remembered group of h is empty, killing
// the survivors once deadline passes or ctx is cancelled.
func (s *Supervisor) awaitGroups(ctx context.Context, h *handle, deadline time.Time) {
	if s.waitGone(ctx, deadline, func() bool { return len(h.lingering()) == 0 }) {
		return
	}
	groups := h.lingering()
	for _, g := range groups {
		s.logger.Warn("force killing leftover process group", "name", h.spec.Name, "pgid", g)
		metrics.IncForceKill(h.spec.Name)
		if err := process.KillGroup(g, syscall.SIGKILL); err != nil {
			s.logger.Debug("kill not delivered", "name", h.spec.Name, "pgid", g, "error", err)
		}
	}
	s.reaper.poke()
	h.mu.Lock()
	h.groups = nil
	h.mu.Unlock()
}

// waitGone polls gone until it reports true, deadline passes or ctx is
// cancelled. It reports whether gone became true.
func (s *Supervisor) waitGone(ctx context.Context, deadline time.Time, gone func() bool) bool {
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		if gone() {
			return true
		}
		select {
		case <-tick.C:
		case <-timer.C:
			return gone()
		case <-ctx.Done():
			return gone()
		}
	}
}

// stopAdopted terminates the children the supervisor inherited as a
// subreaper: descendants of its processes that were reparented to it. They
// receive SIGTERM, then SIGKILL after the grace period.
func (s *Supervisor) stopAdopted(ctx context.Context) {
	if !s.opts.Subreaper {
		return
	}
	pids := s.adopted()
	if len(pids) == 0 {
		return
	}
	s.logger.Info("stopping adopted processes", "pids", pids)
	for _, pid := range pids {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
	alive := func() []int {
		var out []int
		for _, pid := range pids {
			if process.Exists(pid) {
				out = append(out, pid)
			}
		}
		return out
	}
	s.reaper.poke()
	if s.waitGone(ctx, time.Now().Add(s.grace), func() bool { return len(alive()) == 0 }) {
		return
	}
	for _, pid := range alive() {
		s.logger.Warn("force killing adopted process", "pid", pid)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
	s.reaper.poke()
	s.waitGone(context.Background(), time.Now().Add(killWait), func() bool { return len(alive()) == 0 })
}

// adopted lists the direct children of this process that no handle tracks.
func (s *Supervisor) adopted() []int {
	procs, err := psutil.Processes()
	if err != nil {
		s.logger.Warn("cannot list processes", "error", err)
		return nil
	}
	self := int32(os.Getpid())
	var out []int
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil || ppid != self {
			continue
		}
		if pid := int(p.Pid); !s.reaper.isTracked(pid) {
			out = append(out, pid)
		}
	}
	return out
}

// Coordinator owns the supervisor's OS signal channel. Termination signals
// trigger a full shutdown; a second one kills whatever is still running.
// SIGHUP, SIGUSR1 and SIGUSR2 are forwarded to every running process group.
type Coordinator struct {
	sup *Supervisor
	ch  chan os.Signal
}

// NewCoordinator subscribes to the supervisor signals. Call Close to unsubscribe.
func NewCoordinator(s *Supervisor) *Coordinator {
	c := &Coordinator{sup: s, ch: make(chan os.Signal, 8)}
	signal.Notify(c.ch, append(append([]os.Signal{}, shutdownSignals...), forwardSignals...)...)
	return c
}

// Close stops signal delivery to the coordinator.
func (c *Coordinator) Close() { signal.Stop(c.ch) }

// Wait blocks until a termination signal arrives or ctx is done, forwarding
// other signals meanwhile, then performs the shutdown.
func (c *Coordinator) Wait(ctx context.Context) error {
	s := c.sup
	for {
		var sig os.Signal
		select {
		case <-ctx.Done():
			s.logger.Info("shutdown requested", "reason", ctx.Err())
		case sig = <-c.ch:
			if !isShutdownSignal(sig) {
				s.logger.Info("forwarding signal", "signal", sig)
				s.forward(sig.(syscall.Signal))
				continue
			}
			s.logger.Info("shutdown requested", "signal", sig)
		}
		break
	}

	s.draining.Store(true)
	escalate, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case sig := <-c.ch:
				if isShutdownSignal(sig) {
					s.logger.Warn("second termination signal, killing remaining processes", "signal", sig)
					cancel()
					return
				}
				s.forward(sig.(syscall.Signal))
			case <-escalate.Done():
				return
			}
		}
	}()
	err := s.Stop(escalate)
	s.stopAdopted(escalate)
	return err
}

// Run is the foreground entrypoint: it starts every process, blocks until a
// termination signal or ctx cancellation, shuts everything down and closes
// the supervisor. Spawn failures at startup are logged, not fatal.
func (s *Supervisor) Run(ctx context.Context) error {
	c := NewCoordinator(s)
	defer c.Close()
	defer func() { _ = s.Close() }()
	if err := s.Start(ctx); err != nil {
		s.logger.Error("some processes failed to start", "error", err)
	}
	return c.Wait(ctx)
}
