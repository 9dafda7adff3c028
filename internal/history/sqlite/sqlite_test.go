package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/janus/internal/history"
)

func TestPath(t *testing.T) {
	cases := map[string]string{
		"sqlite:///var/lib/janus/h.db": "/var/lib/janus/h.db",
		"SQLite://rel.db":              "rel.db",
		"  :memory: ":                  ":memory:",
		"/abs/file.db":                 "/abs/file.db",
		"sqlite://":                    "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Path(in), in)
	}
}

func TestNewRejectsEmpty(t *testing.T) {
	for _, dsn := range []string{"", "  ", "sqlite://"} {
		_, err := New(dsn)
		assert.Error(t, err, dsn)
	}
}

func TestFileSinkPersists(t *testing.T) {
	file := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	sink, err := New("sqlite://" + file)
	require.NoError(t, err)

	code := 1
	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: now,
		Record: history.Record{Name: "w", RunID: "w-1", PID: 4242, From: "starting", To: "running"}}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventFail, OccurredAt: now.Add(time.Millisecond),
		Record: history.Record{Name: "w", RunID: "w-1", PID: 4242, From: "running", To: "failed", ExitCode: &code, Error: "exit status 1"}}))
	require.NoError(t, sink.Close())

	// a second sink on the same file sees the rows and does not recreate the table
	again, err := New(file)
	require.NoError(t, err)
	defer func() { _ = again.Close() }()

	var n int
	require.NoError(t, again.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM process_history WHERE run_id = ?`, "w-1").Scan(&n))
	assert.Equal(t, 2, n)

	var (
		to   string
		exit sql.NullInt64
		msg  sql.NullString
		sig  sql.NullString
	)
	row := again.DB().QueryRowContext(ctx, `SELECT to_state, exit_code, error, exit_signal FROM process_history WHERE event = ?`, "fail")
	require.NoError(t, row.Scan(&to, &exit, &msg, &sig))
	assert.Equal(t, "failed", to)
	assert.Equal(t, sql.NullInt64{Int64: 1, Valid: true}, exit)
	assert.Equal(t, "exit status 1", msg.String)
	assert.False(t, sig.Valid)
}

func TestMemorySink(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	e := history.Event{Type: history.EventStop, OccurredAt: time.Now(), Record: history.Record{Name: "a", From: "stopping", To: "stopped", ExitSignal: "terminated"}}
	require.NoError(t, sink.Send(context.Background(), e))

	var sig string
	require.NoError(t, sink.DB().QueryRow(`SELECT exit_signal FROM process_history`).Scan(&sig))
	assert.Equal(t, "terminated", sig)
}
