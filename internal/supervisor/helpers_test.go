package supervisor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/janus/internal/process"
)

const (
	waitTimeout = 10 * time.Second
	waitTick    = 10 * time.Millisecond
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a bytes.Buffer safe for the concurrent output copiers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSupervisor(t *testing.T, opts Options, specs ...process.Spec) *Supervisor {
	t.Helper()
	reg, err := process.NewRegistry(process.GlobalConfig{}, specs)
	require.NoError(t, err)
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Grace == 0 {
		opts.Grace = 2 * time.Second
	}
	s, err := New(reg, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = s.Stop(ctx)
		_ = s.Close()
	})
	return s
}

func waitStatus(t *testing.T, s *Supervisor, name string, cond func(process.Status) bool, msg string) process.Status {
	t.Helper()
	var last process.Status
	ok := assertEventually(func() bool {
		st, err := s.StatusOne(name)
		require.NoError(t, err)
		last = st
		return cond(st)
	})
	if !ok {
		t.Fatalf("%s: %s; last status %+v", name, msg, last)
	}
	return last
}

func assertEventually(cond func() bool) bool {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(waitTick)
	}
	return cond()
}

func inState(want process.State) func(process.Status) bool {
	return func(st process.Status) bool { return st.State == want }
}

func runningOtherThan(pid int) func(process.Status) bool {
	return func(st process.Status) bool {
		return st.State == process.StateRunning && st.PID != 0 && st.PID != pid
	}
}
