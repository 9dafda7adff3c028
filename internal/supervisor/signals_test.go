package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/janus/internal/process"
)

func TestIsShutdownSignal(t *testing.T) {
	for _, sig := range []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT} {
		assert.True(t, isShutdownSignal(sig), sig.String())
	}
	for _, sig := range []os.Signal{syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2} {
		assert.False(t, isShutdownSignal(sig), sig.String())
	}
}

func TestCoordinatorForwardsThenShutsDown(t *testing.T) {
	mark := filepath.Join(t.TempDir(), "usr1")
	s := newTestSupervisor(t, Options{},
		process.Spec{Name: "listener", Command: "trap 'echo usr1 >> " + mark + "' USR1; while :; do sleep 0.05; done"},
	)
	require.NoError(t, s.Start(context.Background()))
	waitStatus(t, s, "listener", inState(process.StateRunning), "should run")
	time.Sleep(100 * time.Millisecond)

	c := &Coordinator{sup: s, ch: make(chan os.Signal, 4)}
	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background()) }()

	c.ch <- syscall.SIGUSR1
	require.True(t, assertEventually(func() bool {
		b, _ := os.ReadFile(mark)
		return strings.Contains(string(b), "usr1")
	}), "signal was not forwarded")
	st, _ := s.StatusOne("listener")
	assert.Equal(t, process.StateRunning, st.State)

	c.ch <- syscall.SIGTERM
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("coordinator did not shut down")
	}
	for _, st := range s.Status() {
		assert.Equal(t, process.StateStopped, st.State, st.Name)
	}
}

func TestSecondTerminationSignalKillsImmediately(t *testing.T) {
	s := newTestSupervisor(t, Options{Grace: time.Minute},
		process.Spec{Name: "stubborn", Command: `trap "" TERM; while :; do sleep 0.1; done`},
	)
	require.NoError(t, s.Start(context.Background()))
	waitStatus(t, s, "stubborn", inState(process.StateRunning), "should run")
	time.Sleep(100 * time.Millisecond)

	c := &Coordinator{sup: s, ch: make(chan os.Signal, 4)}
	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background()) }()

	c.ch <- syscall.SIGTERM
	waitStatus(t, s, "stubborn", inState(process.StateStopping), "should be stopping")
	c.ch <- syscall.SIGINT

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("second signal did not escalate")
	}
	st, _ := s.StatusOne("stubborn")
	assert.Equal(t, process.StateStopped, st.State)
	require.NotNil(t, st.LastExitStatus)
	assert.Equal(t, syscall.SIGKILL.String(), st.LastExitStatus.Signal)
}

func TestStopIsNoopWhenNothingRuns(t *testing.T) {
	s := newTestSupervisor(t, Options{}, process.Spec{Name: "idle", Command: "sleep 100"})
	require.NoError(t, s.Stop(context.Background()))
	st, _ := s.StatusOne("idle")
	assert.Equal(t, process.StatePending, st.State)
	assert.Empty(t, s.Events(0))
}

func TestHealthyUntilShutdown(t *testing.T) {
	s := newTestSupervisor(t, Options{}, process.Spec{Name: "idle", Command: "sleep 100"})
	require.NoError(t, s.Healthy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &Coordinator{sup: s, ch: make(chan os.Signal, 1)}
	require.NoError(t, c.Wait(ctx))
	assert.ErrorIs(t, s.Healthy(), ErrShuttingDown)
}
