// Package metrics exposes supervisor counters and gauges to Prometheus.
// Recorders are no-ops until Register succeeds, so the supervisor can call
// them unconditionally.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "janus"

func processCounter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "process", Name: name, Help: help,
	}, labels)
}

var (
	regOK atomic.Bool

	processStarts     = processCounter("starts_total", "Successful process spawns.", "name")
	processRestarts   = processCounter("restarts_total", "Automatic restart attempts.", "name")
	processStops      = processCounter("stops_total", "Requested stops, graceful or forced.", "name")
	processExits      = processCounter("exits_total", "Observed exits by outcome: success, failure or signal.", "name", "outcome")
	processForceKills = processCounter("force_kills_total", "Processes killed after the shutdown grace expired.", "name")
	stateTransitions  = processCounter("state_transitions_total", "Lifecycle state transitions.", "name", "from", "to")

	restartDelay = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "process", Name: "restart_delay_seconds",
		Help:    "Delay applied before scheduled restarts.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"name"})

	currentStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "process", Name: "current_state",
		Help: "1 for the state a process is in, 0 for every other state.",
	}, []string{"name", "state"})

	orphansReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "supervisor", Name: "orphans_reaped_total",
		Help: "Exited children that no supervised process spawned.",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		processStarts, processRestarts, processStops, processExits, processForceKills,
		stateTransitions, restartDelay, currentStates, orphansReaped,
	}
}

// Register adds the collectors to r. Collectors r already knows are skipped,
// and once a call succeeds later calls do nothing.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	if err := registerAll(r, collectors()); err != nil {
		return err
	}
	regOK.Store(true)
	return nil
}

func registerAll(r prometheus.Registerer, cs []prometheus.Collector) error {
	for _, c := range cs {
		err := r.Register(c)
		var are prometheus.AlreadyRegisteredError
		if err != nil && !errors.As(err, &are) {
			return err
		}
	}
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func record(f func()) {
	if regOK.Load() {
		f()
	}
}

func IncStart(name string)     { record(func() { processStarts.WithLabelValues(name).Inc() }) }
func IncRestart(name string)   { record(func() { processRestarts.WithLabelValues(name).Inc() }) }
func IncStop(name string)      { record(func() { processStops.WithLabelValues(name).Inc() }) }
func IncForceKill(name string) { record(func() { processForceKills.WithLabelValues(name).Inc() }) }
func IncOrphanReaped()         { record(orphansReaped.Inc) }

// IncExit counts an exit; outcome is "success", "failure" or "signal".
func IncExit(name, outcome string) {
	record(func() { processExits.WithLabelValues(name, outcome).Inc() })
}

func ObserveRestartDelay(name string, seconds float64) {
	record(func() { restartDelay.WithLabelValues(name).Observe(seconds) })
}

func RecordStateTransition(name, from, to string) {
	record(func() { stateTransitions.WithLabelValues(name, from, to).Inc() })
}

// SetCurrentState sets the gauge of state to 1 and every other entry of
// states to 0 for name.
func SetCurrentState(name, state string, states []string) {
	record(func() {
		for _, s := range states {
			v := 0.0
			if s == state {
				v = 1
			}
			currentStates.WithLabelValues(name, s).Set(v)
		}
	})
}
