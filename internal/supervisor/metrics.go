package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "segd",
			Subsystem: "supervisor",
			Name:      "commands_total",
			Help:      "Commands sent to the worker by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "segd",
			Subsystem: "supervisor",
			Name:      "command_duration_seconds",
			Help:      "Round-trip time of worker commands in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "segd",
			Subsystem: "supervisor",
			Name:      "pending_requests",
			Help:      "Commands waiting for a worker result",
		},
	)

	orphanedResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "segd",
			Subsystem: "supervisor",
			Name:      "orphaned_results_total",
			Help:      "Results that arrived after their request timed out or was abandoned",
		},
	)

	protocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "segd",
			Subsystem: "supervisor",
			Name:      "protocol_errors_total",
			Help:      "Malformed or unroutable envelopes read from the worker",
		},
	)

	workerSpawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "segd",
			Subsystem: "supervisor",
			Name:      "worker_spawns_total",
			Help:      "Worker processes started",
		},
	)

	workerCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "segd",
			Subsystem: "supervisor",
			Name:      "worker_crashes_total",
			Help:      "Workers found dead while ready or loading",
		},
	)

	openSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "segd",
			Subsystem: "supervisor",
			Name:      "sessions",
			Help:      "Open video sessions",
		},
	)

	lifecycleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "segd",
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "1 for the current lifecycle state, 0 otherwise",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal, commandDuration, pendingRequests, orphanedResults,
		protocolErrors, workerSpawns, workerCrashes, openSessions, lifecycleState)
}

func observeCommand(cmdType, outcome string, start time.Time) {
	commandsTotal.WithLabelValues(cmdType, outcome).Inc()
	commandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
}

func setStateGauge(current State) {
	for _, st := range []State{StateNotLoaded, StateLoading, StateReady, StateError} {
		v := 0.0
		if st == current {
			v = 1
		}
		lifecycleState.WithLabelValues(string(st)).Set(v)
	}
}
