package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeFor(t *testing.T) {
	assert.Equal(t, EventStart, TypeFor("running"))
	assert.Equal(t, EventStop, TypeFor("stopped"))
	assert.Equal(t, EventFail, TypeFor("failed"))
	assert.Equal(t, EventRestart, TypeFor("restarting"))
	assert.Equal(t, EventState, TypeFor("stopping"))
}

func TestColumns(t *testing.T) {
	code := 2
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	cols := Columns(Event{Type: EventFail, OccurredAt: at, Record: Record{
		Name: "w", RunID: "r1", PID: 7, From: "running", To: "failed", RestartCount: 1, ExitCode: &code,
	}})
	require.Len(t, cols, 11)
	assert.Equal(t, at.UTC(), cols[0])
	assert.Equal(t, "fail", cols[1])
	assert.Equal(t, 2, cols[8])
	assert.Nil(t, cols[9], "empty signal is stored as NULL")
	assert.Nil(t, cols[10], "empty error is stored as NULL")

	cols = Columns(Event{Record: Record{Name: "w"}})
	assert.Nil(t, cols[8], "missing exit code is stored as NULL")
}

func TestRing(t *testing.T) {
	r := NewRing(3)
	assert.Empty(t, r.Recent(10))
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Send(context.Background(), Event{Record: Record{Name: fmt.Sprint(i)}}))
	}
	assert.Equal(t, 3, r.Len())

	all := r.Recent(0)
	require.Len(t, all, 3)
	assert.Equal(t, "2", all[0].Record.Name)
	assert.Equal(t, "4", all[2].Record.Name)

	last := r.Recent(2)
	require.Len(t, last, 2)
	assert.Equal(t, "3", last[0].Record.Name)
	assert.Equal(t, "4", last[1].Record.Name)
}
