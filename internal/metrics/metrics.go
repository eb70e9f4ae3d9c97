package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "procwatch"
	subsystem = "target"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	targetStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Number of successful target spawns.",
		}, []string{"name"},
	)
	crashRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "crash_restarts_total",
			Help:      "Number of restarts triggered by an unexpected exit.",
		}, []string{"name"},
	)
	scheduledRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scheduled_restarts_total",
			Help:      "Number of restarts triggered by the restart schedule.",
		}, []string{"name"},
	)
	targetStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Number of supervision sessions that ended.",
		}, []string{"name"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spawn_failures_total",
			Help:      "Number of spawn attempts that failed.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between supervisor states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "current_state",
			Help:      "Current state of targets (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	restartCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restart_count",
			Help:      "Crash restarts consumed from the restart budget.",
		}, []string{"name"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of the target.",
		}, []string{"name"},
	)
	memoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "memory_mb",
			Help:      "Last sampled resident memory of the target in MB.",
		}, []string{"name"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound notification pushes by result (sent, failed, dropped).",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		targetStarts, crashRestarts, scheduledRestarts, targetStops, spawnFailures,
		stateTransitions, currentStates, restartCount, cpuPercent, memoryMB, notifications,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
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

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		targetStarts.WithLabelValues(name).Inc()
	}
}

func IncCrashRestart(name string) {
	if regOK.Load() {
		crashRestarts.WithLabelValues(name).Inc()
	}
}

func IncScheduledRestart(name string) {
	if regOK.Load() {
		scheduledRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		targetStops.WithLabelValues(name).Inc()
	}
}

func IncSpawnFailure(name string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func SetRestartCount(name string, n int) {
	if regOK.Load() {
		restartCount.WithLabelValues(name).Set(float64(n))
	}
}

// ObserveSample publishes the latest cpu/memory of a target.
func ObserveSample(name string, s StatSample) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(name).Set(s.CPUPercent)
		memoryMB.WithLabelValues(name).Set(s.MemoryMB)
	}
}

// Forget drops every per-target series for name, used when a target is unregistered.
func Forget(name string) {
	if !regOK.Load() {
		return
	}
	for _, v := range []*prometheus.CounterVec{targetStarts, crashRestarts, scheduledRestarts, targetStops, spawnFailures} {
		v.DeleteLabelValues(name)
	}
	stateTransitions.DeletePartialMatch(prometheus.Labels{"name": name})
	currentStates.DeletePartialMatch(prometheus.Labels{"name": name})
	restartCount.DeleteLabelValues(name)
	cpuPercent.DeleteLabelValues(name)
	memoryMB.DeleteLabelValues(name)
}

func IncNotification(result string) {
	if regOK.Load() {
		notifications.WithLabelValues(result).Inc()
	}
}
