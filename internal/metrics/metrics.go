// Package metrics exposes Prometheus collectors describing the supervisor's
// registry: spawn counts, restarts, and per-entry state. The control plane
// mounts Handler() under /metrics; Register must be called once at startup.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exeio",
			Subsystem: "entry",
			Name:      "spawns_total",
			Help:      "Number of successful child spawns.",
		}, []string{"id"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exeio",
			Subsystem: "entry",
			Name:      "restarts_total",
			Help:      "Number of auto-restarts performed by the restart policy.",
		}, []string{"id"},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exeio",
			Subsystem: "entry",
			Name:      "exits_total",
			Help:      "Number of observed child exits, labeled by outcome.",
		}, []string{"id", "outcome"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exeio",
			Subsystem: "entry",
			Name:      "state_transitions_total",
			Help:      "Number of monitor state transitions.",
		}, []string{"id", "from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "exeio",
			Subsystem: "entry",
			Name:      "current_state",
			Help:      "1 for the entry's current state, 0 otherwise.",
		}, []string{"id", "state"},
	)
	registrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "exeio",
			Subsystem: "registry",
			Name:      "entries",
			Help:      "Number of entries currently held by the registry.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{spawns, restarts, exits, stateTransitions, currentState, registrySize}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncSpawn(id string) {
	if regOK.Load() {
		spawns.WithLabelValues(id).Inc()
	}
}

func IncRestart(id string) {
	if regOK.Load() {
		restarts.WithLabelValues(id).Inc()
	}
}

func IncExit(id, outcome string) {
	if regOK.Load() {
		exits.WithLabelValues(id, outcome).Inc()
	}
}

func RecordStateTransition(id, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(id, from, to).Inc()
	}
}

func SetCurrentState(id, state string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1
			for _, s := range []string{"Stopped", "Starting", "Running", "Exited", "Failed", "Stopping"} {
				if s != state {
					currentState.WithLabelValues(id, s).Set(0)
				}
			}
		}
		currentState.WithLabelValues(id, state).Set(v)
	}
}

func SetRegistrySize(n int) {
	if regOK.Load() {
		registrySize.Set(float64(n))
	}
}
