package process

// State is the lifecycle state of a supervised process.
type State string

const (
	StatePending    State = "pending"    // never spawned
	StateStarting   State = "starting"   // spawn in progress
	StateRunning    State = "running"    // OS process alive
	StateStopping   State = "stopping"   // graceful stop requested, waiting for exit
	StateStopped    State = "stopped"    // exited cleanly or stopped on request
	StateFailed     State = "failed"     // exited unexpectedly or could not be spawned
	StateRestarting State = "restarting" // scheduled restart fired, about to re-enter starting
)

var transitions = map[State][]State{
	StatePending:    {StateStarting},
	StateStarting:   {StateRunning, StateFailed},
	StateRunning:    {StateStopping, StateStopped, StateFailed},
	StateStopping:   {StateStopped, StateFailed},
	StateFailed:     {StateRestarting, StateStarting, StateStopped},
	StateStopped:    {StateStarting, StateRestarting},
	StateRestarting: {StateStarting},
}

// CanTransition reports whether from -> to is an edge of the lifecycle state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether an OS process may be alive in this state.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

func (s State) String() string { return string(s) }
