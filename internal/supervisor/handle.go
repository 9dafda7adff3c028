package supervisor

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/janus/internal/history"
	"github.com/loykin/janus/internal/metrics"
	"github.com/loykin/janus/internal/process"
)

var allStates = []string{
	string(process.StatePending),
	string(process.StateStarting),
	string(process.StateRunning),
	string(process.StateStopping),
	string(process.StateStopped),
	string(process.StateFailed),
	string(process.StateRestarting),
}

// pendingRestart is a scheduled restart attempt. The id is the cancellation
// token: an attempt whose id no longer matches the handle does nothing.
type pendingRestart struct {
	id    uint64
	timer *time.Timer
	due   time.Time
}

// exitNotice is what the reaper reports for a tracked child.
type exitNotice struct {
	h      *handle
	runID  string
	pid    int
	status process.ExitStatus
}

// handle is the runtime record of one spec.
//
// opMu serializes operator commands with scheduled restart attempts so a stop
// and a restart of the same process never interleave. mu guards every field
// below it and is held for the whole spawn, which makes Starting -> Running
// atomic with respect to the exit notice of the same run.
type handle struct {
	spec process.Spec
	sup  *Supervisor

	opMu sync.Mutex

	mu            sync.Mutex
	state         process.State
	since         time.Time
	startedAt     time.Time
	pid           int
	runID         string
	cmd           *exec.Cmd
	exited        chan struct{} // closed when the current run has been reaped
	restartCount  int
	lastExit      *process.ExitStatus
	lastErr       error
	stopRequested bool
	pending       *pendingRestart
	nextToken     uint64
	groups        []int // process groups of ended runs that may still have members
}

func newHandle(s *Supervisor, spec process.Spec) *handle {
	h := &handle{
		spec:  spec,
		sup:   s,
		state: process.StatePending,
		since: time.Now(),
	}
	metrics.SetCurrentState(spec.Name, string(h.state), allStates)
	return h
}

// transitionLocked moves the handle to state to, recording metrics and
// emitting a history event. Edges outside the state machine are refused.
func (h *handle) transitionLocked(to process.State) bool {
	from := h.state
	if !process.CanTransition(from, to) {
		h.sup.logger.Error("illegal state transition refused", "name", h.spec.Name, "from", from, "to", to)
		return false
	}
	h.state = to
	h.since = time.Now()
	metrics.RecordStateTransition(h.spec.Name, string(from), string(to))
	metrics.SetCurrentState(h.spec.Name, string(to), allStates)

	rec := history.Record{
		Name:         h.spec.Name,
		RunID:        h.runID,
		PID:          h.pid,
		From:         string(from),
		To:           string(to),
		RestartCount: h.restartCount,
	}
	if to.Terminal() && h.lastExit != nil {
		code := h.lastExit.Code
		rec.ExitCode = &code
		rec.ExitSignal = h.lastExit.Signal
	}
	if h.lastErr != nil && (to == process.StateFailed || to == process.StateStopped) {
		rec.Error = h.lastErr.Error()
	}
	h.sup.emit(history.Event{Type: history.TypeFor(string(to)), OccurredAt: h.since, Record: rec})
	return true
}

// spawnLocked launches a new run. On failure the handle ends in Failed and
// the returned error is a *process.SpawnError; the caller applies the policy.
func (h *handle) spawnLocked() error {
	if !h.transitionLocked(process.StateStarting) {
		return fmt.Errorf("cannot start %s from state %s", h.spec.Name, h.state)
	}
	s := h.sup
	cmd := h.spec.BuildCommand()
	cmd.Dir = h.spec.WorkDir
	cmd.Env = s.env.Merge(h.spec.Env)
	process.ConfigureSysProcAttr(cmd)

	fail := func(err error) error {
		serr := &process.SpawnError{Name: h.spec.Name, Err: err}
		h.lastErr = serr
		h.lastExit = nil
		h.transitionLocked(process.StateFailed)
		s.logger.Error("spawn failed", "name", h.spec.Name, "error", err)
		return serr
	}

	st, err := s.attachStreams(&h.spec, cmd)
	if err != nil {
		return fail(err)
	}
	runID := uuid.NewString()
	err = s.reaper.start(cmd, func(pid int, ws syscall.WaitStatus) {
		s.deliver(exitNotice{h: h, runID: runID, pid: pid, status: process.ExitFromWaitStatus(ws)})
	})
	st.started(err == nil, s.opts.Stdout, s.opts.Stderr, s.logger)
	if err != nil {
		return fail(err)
	}

	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.runID = runID
	h.exited = make(chan struct{})
	h.startedAt = time.Now()
	h.lastErr = nil
	metrics.IncStart(h.spec.Name)
	h.transitionLocked(process.StateRunning)
	s.logger.Info("process started", "name", h.spec.Name, "pid", h.pid, "run_id", runID, "command", h.spec.CommandLine())
	return nil
}

// endRunLocked forgets the current run after it has been reaped (or given up on).
// The run's process group is remembered until its last member is gone.
func (h *handle) endRunLocked() {
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Release()
	}
	if h.pid > 0 {
		h.groups = append(h.groups, h.pid)
	}
	h.pruneGroupsLocked()
	h.cmd = nil
	h.pid = 0
	h.runID = ""
	if h.exited != nil {
		close(h.exited)
		h.exited = nil
	}
}

// pruneGroupsLocked drops the remembered groups that have no member left.
func (h *handle) pruneGroupsLocked() {
	live := h.groups[:0]
	for _, g := range h.groups {
		if process.GroupExists(g) {
			live = append(live, g)
		}
	}
	h.groups = live
}

// lingering returns the remembered groups that still have members.
func (h *handle) lingering() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneGroupsLocked()
	return append([]int(nil), h.groups...)
}

// scheduleLocked arms a restart attempt after delay.
func (h *handle) scheduleLocked(delay time.Duration) {
	h.cancelPendingLocked()
	h.nextToken++
	id := h.nextToken
	p := &pendingRestart{id: id, due: time.Now().Add(delay)}
	p.timer = time.AfterFunc(delay, func() { h.sup.attemptRestart(h, id) })
	h.pending = p
	metrics.ObserveRestartDelay(h.spec.Name, delay.Seconds())
}

// cancelPendingLocked revokes a scheduled restart. A handle left Failed by the
// crash that scheduled it moves to Stopped.
func (h *handle) cancelPendingLocked() bool {
	if h.pending == nil {
		return false
	}
	h.pending.timer.Stop()
	h.pending = nil
	if h.state == process.StateFailed {
		h.transitionLocked(process.StateStopped)
	}
	return true
}

// beginStopLocked marks the handle as stopped on request and moves a live
// run to Stopping. It returns the pid to signal and the channel closed on
// exit, or a nil channel when nothing is running.
func (h *handle) beginStopLocked() (int, chan struct{}, bool) {
	h.stopRequested = true
	h.cancelPendingLocked()
	switch h.state {
	case process.StateRunning:
		h.transitionLocked(process.StateStopping)
		metrics.IncStop(h.spec.Name)
		return h.pid, h.exited, true
	case process.StateStopping:
		return h.pid, h.exited, false
	}
	return 0, nil, false
}

func (h *handle) statusLocked() process.Status {
	st := process.Status{
		Name:           h.spec.Name,
		State:          h.state,
		RestartCount:   h.restartCount,
		StartedAt:      h.startedAt,
		Since:          h.since,
		RestartPending: h.pending != nil,
	}
	if h.state == process.StateRunning || h.state == process.StateStopping {
		st.PID = h.pid
	}
	if h.lastExit != nil {
		e := *h.lastExit
		st.LastExitStatus = &e
	}
	if h.lastErr != nil {
		st.LastError = h.lastErr.Error()
	}
	return st
}

func (h *handle) status() process.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked()
}
