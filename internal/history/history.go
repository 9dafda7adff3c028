package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"   // entered running
	EventStop    EventType = "stop"    // entered stopped
	EventFail    EventType = "fail"    // entered failed
	EventRestart EventType = "restart" // entered restarting
	EventState   EventType = "state"   // any other transition
)

// TypeFor maps the target state of a transition to an event type.
func TypeFor(to string) EventType {
	switch to {
	case "running":
		return EventStart
	case "stopped":
		return EventStop
	case "failed":
		return EventFail
	case "restarting":
		return EventRestart
	default:
		return EventState
	}
}

// Record is the process snapshot carried by an event.
type Record struct {
	Name         string `json:"name"`
	RunID        string `json:"run_id,omitempty"`
	PID          int    `json:"pid,omitempty"`
	From         string `json:"from"`
	To           string `json:"to"`
	RestartCount int    `json:"restart_count"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	ExitSignal   string `json:"exit_signal,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Event represents a state change to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// nullString returns nil for "" so SQL sinks store NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Columns flattens an event into the column order shared by the SQL sinks:
// occurred_at, event, name, run_id, pid, from_state, to_state,
// restart_count, exit_code, exit_signal, error.
func Columns(e Event) []any {
	r := e.Record
	var code any
	if r.ExitCode != nil {
		code = *r.ExitCode
	}
	return []any{
		e.OccurredAt.UTC(), string(e.Type), r.Name, r.RunID, r.PID, r.From, r.To,
		r.RestartCount, code, nullString(r.ExitSignal), nullString(r.Error),
	}
}
