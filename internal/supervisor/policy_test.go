package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loykin/janus/internal/process"
)

func limit(n int) *int { return &n }

func delay(d time.Duration) *time.Duration { return &d }

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		spec    process.Spec
		count   int
		stop    bool
		restart bool
		delay   time.Duration
		reason  string
	}{
		{"explicit stop wins", process.Spec{AutoRestart: true}, 0, true, false, 0, ReasonStopRequested},
		{"auto restart off", process.Spec{AutoRestart: false}, 0, false, false, 0, ReasonNoAutoRestart},
		{"unlimited", process.Spec{AutoRestart: true, RestartDelay: delay(2 * time.Second)}, 100, false, true, 2 * time.Second, ReasonRestart},
		{"zero delay", process.Spec{AutoRestart: true, RestartDelay: delay(0)}, 0, false, true, 0, ReasonRestart},
		{"below limit", process.Spec{AutoRestart: true, RestartLimit: limit(2)}, 1, false, true, process.DefaultRestartDelay, ReasonRestart},
		{"at limit", process.Spec{AutoRestart: true, RestartLimit: limit(2)}, 2, false, false, 0, ReasonLimitReached},
		{"zero limit", process.Spec{AutoRestart: true, RestartLimit: limit(0)}, 0, false, false, 0, ReasonLimitReached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(PolicyInput{Spec: &tt.spec, RestartCount: tt.count, StopRequested: tt.stop})
			assert.Equal(t, tt.restart, d.Restart)
			assert.Equal(t, tt.delay, d.Delay)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestDecideBackoff(t *testing.T) {
	spec := process.Spec{
		AutoRestart:     true,
		RestartDelay:    delay(time.Second),
		RestartBackoff:  2,
		MaxRestartDelay: 5 * time.Second,
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for count, w := range want {
		d := Decide(PolicyInput{Spec: &spec, RestartCount: count})
		assert.True(t, d.Restart)
		assert.Equal(t, w, d.Delay, "restart #%d", count)
	}
}

func TestDecideDelayNeverExceedsCap(t *testing.T) {
	for _, backoff := range []float64{0, 2} {
		spec := process.Spec{
			AutoRestart:     true,
			RestartDelay:    delay(10 * time.Second),
			RestartBackoff:  backoff,
			MaxRestartDelay: time.Second,
		}
		for count := range 3 {
			d := Decide(PolicyInput{Spec: &spec, RestartCount: count})
			assert.Equal(t, time.Second, d.Delay, "backoff %v restart #%d", backoff, count)
		}
	}
}
