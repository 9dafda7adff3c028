package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/janus/internal/process"
)

// Reasons reported by Decide.
const (
	ReasonStopRequested = "stop requested"
	ReasonNoAutoRestart = "auto_restart disabled"
	ReasonLimitReached  = "restart limit reached"
	ReasonRestart       = "restart scheduled"
)

// PolicyInput is the handle history the restart decision depends on.
type PolicyInput struct {
	Spec          *process.Spec
	RestartCount  int  // restarts already attempted
	StopRequested bool // exit was caused by an operator stop
}

// Decision is the outcome of Decide.
type Decision struct {
	Restart bool
	Delay   time.Duration
	Reason  string
}

// Decide is the restart policy. It is pure: it never mutates the handle and
// does not count the restart; the counter moves when the attempt runs.
func Decide(in PolicyInput) Decision {
	switch {
	case in.StopRequested:
		return Decision{Reason: ReasonStopRequested}
	case !in.Spec.AutoRestart:
		return Decision{Reason: ReasonNoAutoRestart}
	case in.Spec.RestartLimit != nil && in.RestartCount >= *in.Spec.RestartLimit:
		return Decision{Reason: ReasonLimitReached}
	}
	return Decision{Restart: true, Delay: restartDelay(in.Spec, in.RestartCount), Reason: ReasonRestart}
}

// restartDelay returns the fixed delay, or the exponential one when the spec
// configures a multiplier above 1. MaxRestartDelay caps both.
func restartDelay(spec *process.Spec, count int) time.Duration {
	d := backoffDelay(spec, count)
	if spec.MaxRestartDelay > 0 {
		d = min(d, spec.MaxRestartDelay)
	}
	return d
}

func backoffDelay(spec *process.Spec, count int) time.Duration {
	base := spec.EffectiveRestartDelay()
	if spec.RestartBackoff <= 1 {
		return base
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = spec.RestartBackoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if spec.MaxRestartDelay > 0 {
		b.MaxInterval = spec.MaxRestartDelay
	} else {
		b.MaxInterval = time.Duration(1<<63 - 1)
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < count; i++ {
		d = b.NextBackOff()
	}
	return d
}
