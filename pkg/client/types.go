package client

import "time"

// ExitStatus is how a run ended.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// ProcessStatus is the snapshot the supervisor reports for one process.
type ProcessStatus struct {
	Name           string      `json:"name"`
	State          string      `json:"state"`
	PID            int         `json:"pid,omitempty"`
	RestartCount   int         `json:"restart_count"`
	LastExitStatus *ExitStatus `json:"last_exit_status,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	StartedAt      time.Time   `json:"started_at,omitempty"`
	Since          time.Time   `json:"since"`
	RestartPending bool        `json:"restart_pending,omitempty"`
}

// Event is one recorded state change.
type Event struct {
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Record     EventRecord `json:"record"`
}

// EventRecord is the process snapshot carried by an Event.
type EventRecord struct {
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

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
