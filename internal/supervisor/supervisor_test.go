package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/janus/internal/history"
	"github.com/loykin/janus/internal/logger"
	"github.com/loykin/janus/internal/process"
)

func TestAutoRestartDisabledIsTerminal(t *testing.T) {
	s := newTestSupervisor(t, Options{},
		process.Spec{Name: "bad", Command: "sh", Args: []string{"-c", "exit 3"}},
		process.Spec{Name: "good", Command: "true"},
	)
	require.NoError(t, s.Start(context.Background()))

	bad := waitStatus(t, s, "bad", inState(process.StateFailed), "should fail")
	require.NotNil(t, bad.LastExitStatus)
	assert.Equal(t, 3, bad.LastExitStatus.Code)
	assert.Zero(t, bad.PID)

	waitStatus(t, s, "good", inState(process.StateStopped), "should stop cleanly")

	time.Sleep(300 * time.Millisecond)
	for _, st := range s.Status() {
		assert.False(t, st.RestartPending, st.Name)
		assert.Zero(t, st.RestartCount, st.Name)
		assert.True(t, st.State.Terminal(), st.Name)
	}
}

// A process killed three times with restart_limit=2 is restarted twice and
// then stays failed.
func TestRestartLimitScenario(t *testing.T) {
	s := newTestSupervisor(t, Options{}, process.Spec{
		Name:         "w",
		Command:      "sleep 100",
		AutoRestart:  true,
		RestartLimit: limit(2),
		RestartDelay: delay(200 * time.Millisecond),
	})
	require.NoError(t, s.Start(context.Background()))

	pid := 0
	for i := 0; i < 3; i++ {
		st := waitStatus(t, s, "w", runningOtherThan(pid), "should be running")
		pid = st.PID
		require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))
		waitStatus(t, s, "w", func(st process.Status) bool { return st.State != process.StateRunning || st.PID != pid }, "kill not observed")
	}

	st := waitStatus(t, s, "w", func(st process.Status) bool {
		return st.State == process.StateFailed && !st.RestartPending
	}, "should end failed")
	assert.Equal(t, 2, st.RestartCount)
	require.NotNil(t, st.LastExitStatus)
	assert.Equal(t, -1, st.LastExitStatus.Code)

	time.Sleep(400 * time.Millisecond)
	st, _ = s.StatusOne("w")
	assert.Equal(t, process.StateFailed, st.State, "no restart after the limit")

	want := []string{
		"starting", "running", "failed",
		"restarting", "starting", "running", "failed",
		"restarting", "starting", "running", "failed",
	}
	require.True(t, assertEventually(func() bool { return len(s.Events(0)) >= len(want) }))
	var got []string
	for _, e := range s.Events(0) {
		got = append(got, e.Record.To)
	}
	assert.Equal(t, want, got)

	// an operator restart resets the counter
	require.NoError(t, s.RestartOne(context.Background(), "w"))
	st = waitStatus(t, s, "w", inState(process.StateRunning), "should run after restart-one")
	assert.Zero(t, st.RestartCount)
}

func TestExplicitStopCancelsScheduledRestart(t *testing.T) {
	s := newTestSupervisor(t, Options{}, process.Spec{
		Name:         "crashy",
		Command:      "sleep 100",
		AutoRestart:  true,
		RestartDelay: delay(500 * time.Millisecond),
	})
	require.NoError(t, s.Start(context.Background()))
	st := waitStatus(t, s, "crashy", inState(process.StateRunning), "should run")
	require.NoError(t, syscall.Kill(st.PID, syscall.SIGKILL))

	waitStatus(t, s, "crashy", func(st process.Status) bool {
		return st.State == process.StateFailed && st.RestartPending
	}, "restart should be scheduled")

	require.NoError(t, s.StopOne(context.Background(), "crashy"))
	st, _ = s.StatusOne("crashy")
	assert.Equal(t, process.StateStopped, st.State, "a cancelled restart leaves the process stopped")
	assert.False(t, st.RestartPending)

	time.Sleep(800 * time.Millisecond)
	st, _ = s.StatusOne("crashy")
	assert.Equal(t, process.StateStopped, st.State)
	assert.Zero(t, st.RestartCount)
}

func TestStopRunningNeverRestarts(t *testing.T) {
	s := newTestSupervisor(t, Options{}, process.Spec{
		Name:         "svc",
		Command:      "sleep 100",
		AutoRestart:  true,
		RestartDelay: delay(50 * time.Millisecond),
	})
	require.NoError(t, s.Start(context.Background()))
	waitStatus(t, s, "svc", inState(process.StateRunning), "should run")

	require.NoError(t, s.StopOne(context.Background(), "svc"))
	st, _ := s.StatusOne("svc")
	assert.Equal(t, process.StateStopped, st.State)
	require.NotNil(t, st.LastExitStatus)
	assert.NotEmpty(t, st.LastExitStatus.Signal)

	time.Sleep(300 * time.Millisecond)
	st, _ = s.StatusOne("svc")
	assert.Equal(t, process.StateStopped, st.State)
	assert.False(t, st.RestartPending)

	// start-one brings it back
	require.NoError(t, s.StartOne(context.Background(), "svc"))
	waitStatus(t, s, "svc", inState(process.StateRunning), "should run again")
}

func TestShutdownForceKillsUnresponsive(t *testing.T) {
	grace := 300 * time.Millisecond
	s := newTestSupervisor(t, Options{Grace: grace},
		process.Spec{Name: "stubborn", Command: `trap "" TERM; while :; do sleep 0.1; done`, AutoRestart: true},
		process.Spec{Name: "polite", Command: "sleep 100", AutoRestart: true},
	)
	require.NoError(t, s.Start(context.Background()))
	waitStatus(t, s, "stubborn", inState(process.StateRunning), "should run")
	waitStatus(t, s, "polite", inState(process.StateRunning), "should run")
	time.Sleep(100 * time.Millisecond) // let the shell install its trap

	begin := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	took := time.Since(begin)
	assert.GreaterOrEqual(t, took, grace)
	assert.Less(t, took, grace+killWait)

	for _, st := range s.Status() {
		assert.Equal(t, process.StateStopped, st.State, st.Name)
		assert.Zero(t, st.PID, st.Name)
		assert.False(t, st.RestartPending, st.Name)
	}
	st, _ := s.StatusOne("stubborn")
	assert.Contains(t, st.LastError, "did not exit within")
	require.NotNil(t, st.LastExitStatus)
	assert.Equal(t, syscall.SIGKILL.String(), st.LastExitStatus.Signal)
}

func TestShutdownSignalsInReverseOrder(t *testing.T) {
	s := newTestSupervisor(t, Options{},
		process.Spec{Name: "a", Command: "sleep 100"},
		process.Spec{Name: "b", Command: "sleep 100"},
	)
	var mu sync.Mutex
	var order []string
	s.signal = func(name string, pid int, sig syscall.Signal) error {
		mu.Lock()
		order = append(order, name+":"+sig.String())
		mu.Unlock()
		return process.SignalGroup(pid, sig)
	}

	require.NoError(t, s.Start(context.Background()))
	waitStatus(t, s, "a", inState(process.StateRunning), "should run")
	waitStatus(t, s, "b", inState(process.StateRunning), "should run")

	require.NoError(t, s.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	term := syscall.SIGTERM.String()
	assert.Equal(t, []string{"b:" + term, "a:" + term}, order)
	for _, st := range s.Status() {
		assert.Equal(t, process.StateStopped, st.State, st.Name)
	}
}

func TestStopSignalIsConfigurable(t *testing.T) {
	s := newTestSupervisor(t, Options{}, process.Spec{Name: "q", Command: "sleep 100", StopSignal: "SIGINT"})
	require.NoError(t, s.Start(context.Background()))
	waitStatus(t, s, "q", inState(process.StateRunning), "should run")
	require.NoError(t, s.Stop(context.Background()))
	st, _ := s.StatusOne("q")
	require.NotNil(t, st.LastExitStatus)
	assert.Equal(t, syscall.SIGINT.String(), st.LastExitStatus.Signal)
}

func TestStatusIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t, Options{},
		process.Spec{Name: "one", Command: "sleep 100"},
		process.Spec{Name: "two", Command: "sleep 100"},
		process.Spec{Name: "never", Command: "sleep 100"},
	)
	require.NoError(t, s.StartOne(context.Background(), "one"))
	require.NoError(t, s.StartOne(context.Background(), "two"))

	first := s.Status()
	second := s.Status()
	assert.Equal(t, first, second)
	require.Len(t, first, 3)
	assert.Equal(t, []string{"one", "two", "never"}, []string{first[0].Name, first[1].Name, first[2].Name})
	assert.Equal(t, process.StatePending, first[2].State)
	assert.NotZero(t, first[0].PID)
}

func TestSpawnFailureAppliesPolicy(t *testing.T) {
	s := newTestSupervisor(t, Options{}, process.Spec{
		Name:         "ghost",
		Command:      "/nonexistent/janus-test-binary",
		AutoRestart:  true,
		RestartLimit: limit(1),
		RestartDelay: delay(50 * time.Millisecond),
	})
	err := s.Start(context.Background())
	require.Error(t, err)
	var serr *process.SpawnError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "ghost", serr.Name)

	st := waitStatus(t, s, "ghost", func(st process.Status) bool {
		return st.State == process.StateFailed && st.RestartCount == 1 && !st.RestartPending
	}, "should retry once and give up")
	assert.Contains(t, st.LastError, "spawn ghost")
}

func TestCleanExitWithAutoRestartRestarts(t *testing.T) {
	s := newTestSupervisor(t, Options{}, process.Spec{
		Name:         "oneshot",
		Command:      "true",
		AutoRestart:  true,
		RestartLimit: limit(2),
		RestartDelay: delay(20 * time.Millisecond),
	})
	require.NoError(t, s.Start(context.Background()))
	st := waitStatus(t, s, "oneshot", func(st process.Status) bool {
		return st.State == process.StateStopped && st.RestartCount == 2 && !st.RestartPending
	}, "should restart twice then rest")
	require.NotNil(t, st.LastExitStatus)
	assert.True(t, st.LastExitStatus.Success())
}

func TestUnknownProcess(t *testing.T) {
	s := newTestSupervisor(t, Options{}, process.Spec{Name: "a", Command: "sleep 100"})
	ctx := context.Background()
	for _, err := range []error{
		s.StartOne(ctx, "nope"),
		s.StopOne(ctx, "nope"),
		s.RestartOne(ctx, "nope"),
		s.SignalOne("nope", syscall.SIGHUP),
	} {
		assert.True(t, errors.Is(err, process.ErrUnknownProcess), "got %v", err)
	}
	_, err := s.StatusOne("nope")
	assert.ErrorIs(t, err, process.ErrUnknownProcess)
	st, _ := s.StatusOne("a")
	assert.Equal(t, process.StatePending, st.State)
}

func TestSignalOne(t *testing.T) {
	mark := filepath.Join(t.TempDir(), "hup")
	s := newTestSupervisor(t, Options{}, process.Spec{
		Name:    "hup",
		Command: "trap 'echo hup >> " + mark + "' HUP; while :; do sleep 0.05; done",
	})
	require.ErrorIs(t, s.SignalOne("hup", syscall.SIGHUP), process.ErrNotRunning)

	require.NoError(t, s.Start(context.Background()))
	waitStatus(t, s, "hup", inState(process.StateRunning), "should run")
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.SignalOne("hup", syscall.SIGHUP))
	require.True(t, assertEventually(func() bool {
		b, _ := os.ReadFile(mark)
		return strings.Contains(string(b), "hup")
	}), "trap did not run")
	st, _ := s.StatusOne("hup")
	assert.Equal(t, process.StateRunning, st.State)
}

func TestOutputCapture(t *testing.T) {
	out := &syncBuffer{}
	errOut := &syncBuffer{}
	dir := t.TempDir()
	s := newTestSupervisor(t, Options{Stdout: out, Stderr: errOut, Output: logger.OutputConfig{Dir: dir}},
		process.Spec{Name: "talker", Command: "echo hello; echo oops 1>&2"},
	)
	require.NoError(t, s.Start(context.Background()))
	waitStatus(t, s, "talker", inState(process.StateStopped), "should finish")

	require.True(t, assertEventually(func() bool {
		return strings.Contains(out.String(), "[talker] hello") && strings.Contains(errOut.String(), "[talker] oops")
	}), "console output: %q / %q", out.String(), errOut.String())
	require.True(t, assertEventually(func() bool {
		b, _ := os.ReadFile(filepath.Join(dir, "talker.stdout.log"))
		return strings.Contains(string(b), "hello")
	}), "stdout log file not written")
}

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []history.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func TestEventsReachSinks(t *testing.T) {
	sink := &recordingSink{}
	s := newTestSupervisor(t, Options{Sinks: []history.Sink{sink}}, process.Spec{Name: "e", Command: "sh -c 'exit 1'"})
	require.NoError(t, s.Start(context.Background()))
	waitStatus(t, s, "e", inState(process.StateFailed), "should fail")

	want := []history.EventType{history.EventState, history.EventStart, history.EventFail}
	require.True(t, assertEventually(func() bool { return len(sink.types()) >= len(want) }))
	assert.Equal(t, want, sink.types())

	evs := s.Events(1)
	require.Len(t, evs, 1)
	rec := evs[0].Record
	assert.Equal(t, "failed", rec.To)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 1, *rec.ExitCode)
	assert.NotEmpty(t, rec.RunID)
}

type stalledSink struct{ release chan struct{} }

func (b stalledSink) Send(ctx context.Context, _ history.Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestEventRingKeepsOrderWhenQueueFull(t *testing.T) {
	sink := stalledSink{release: make(chan struct{})}
	s := newTestSupervisor(t, Options{Sinks: []history.Sink{sink}}, process.Spec{Name: "e", Command: "true"})
	defer close(sink.release)

	total := 2 * defaultEventBuffer
	for i := range total {
		s.emit(history.Event{Type: history.EventState, Record: history.Record{Name: "e", RestartCount: i}})
	}
	evs := s.Events(0)
	require.Len(t, evs, total)
	for i, e := range evs {
		assert.Equal(t, i, e.Record.RestartCount)
	}
}

func TestRestartAll(t *testing.T) {
	s := newTestSupervisor(t, Options{},
		process.Spec{Name: "a", Command: "sleep 100"},
		process.Spec{Name: "b", Command: "sleep 100"},
	)
	require.NoError(t, s.Start(context.Background()))
	before := map[string]int{}
	for _, n := range []string{"a", "b"} {
		before[n] = waitStatus(t, s, n, inState(process.StateRunning), "should run").PID
	}
	require.NoError(t, s.Restart(context.Background()))
	for _, n := range []string{"a", "b"} {
		st := waitStatus(t, s, n, runningOtherThan(before[n]), "should run with a new pid")
		assert.Zero(t, st.RestartCount)
	}
	assert.Len(t, s.PIDs(), 2)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestSupervisor(t, Options{}, process.Spec{Name: "r", Command: "sleep 100"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitStatus(t, s, "r", inState(process.StateRunning), "should run")
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}
	st, _ := s.StatusOne("r")
	assert.Equal(t, process.StateStopped, st.State)
	assert.Error(t, s.StartOne(context.Background(), "r"), "closed supervisor refuses commands")
}

func TestConcurrentCommandsFollowStateMachine(t *testing.T) {
	s := newTestSupervisor(t, Options{RingSize: 1 << 16, Grace: time.Second}, process.Spec{
		Name:         "churn",
		Command:      "sh -c 'sleep 0.03; exit 1'",
		AutoRestart:  true,
		RestartDelay: delay(5 * time.Millisecond),
	})
	ctx := context.Background()
	ops := []func() error{
		func() error { return s.StartOne(ctx, "churn") },
		func() error { return s.StopOne(ctx, "churn") },
		func() error { return s.RestartOne(ctx, "churn") },
	}

	var wg sync.WaitGroup
	for w := range len(ops) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 30 {
				_ = ops[(w+i)%len(ops)]()
				time.Sleep(time.Duration(i%4) * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, s.StopOne(ctx, "churn"))
	st, err := s.StatusOne("churn")
	require.NoError(t, err)
	assert.Equal(t, process.StateStopped, st.State)
	assert.False(t, st.RestartPending)
	assert.Zero(t, st.PID)

	// no crash-triggered restart may revive it
	time.Sleep(200 * time.Millisecond)
	st, _ = s.StatusOne("churn")
	assert.Equal(t, process.StateStopped, st.State)

	evs := s.Events(0)
	require.NotEmpty(t, evs)
	prev := string(process.StatePending)
	for i, e := range evs {
		assert.Equal(t, prev, e.Record.From, "event %d does not continue from the previous state", i)
		assert.True(t, process.CanTransition(process.State(e.Record.From), process.State(e.Record.To)),
			"event %d: illegal edge %s -> %s", i, e.Record.From, e.Record.To)
		prev = e.Record.To
	}
	assert.Equal(t, string(process.StateStopped), prev)

	require.NoError(t, s.StartOne(ctx, "churn"))
	st, _ = s.StatusOne("churn")
	assert.NotEqual(t, process.StateStopped, st.State, "start after stop must take effect")
}
