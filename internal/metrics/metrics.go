package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nploy"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spinnerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spinner",
			Name:      "starts_total",
			Help:      "Number of children that became ready.",
		}, []string{"name"},
	)
	spinnerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spinner",
			Name:      "restarts_total",
			Help:      "Number of restarts after a crash or a watched file change.",
		}, []string{"name"},
	)
	spinnerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spinner",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or forced).",
		}, []string{"name"},
	)
	spinnerFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spinner",
			Name:      "faults_total",
			Help:      "Number of failed start attempts.",
		}, []string{"name"},
	)
	spinnerStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "spinner",
			Name:      "start_duration_seconds",
			Help:      "Time from start request until the child accepted connections.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spinner",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between supervisor states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "spinner",
			Name:      "current_state",
			Help:      "Current state of supervisors (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	claimedPorts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ports",
			Name:      "claimed",
			Help:      "Ports currently claimed by supervisors.",
		},
	)
	idleKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "idle_kills_total",
			Help:      "Children stopped by the idle reaper.",
		}, []string{"route"},
	)
	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Proxied requests by outcome (forwarded, redirect, not_found, error).",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		spinnerStarts, spinnerRestarts, spinnerStops, spinnerFaults, spinnerStartDuration,
		stateTransitions, currentStates, claimedPorts, idleKills, proxyRequests,
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		spinnerStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		spinnerRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		spinnerStops.WithLabelValues(name).Inc()
	}
}

func IncFault(name string) {
	if regOK.Load() {
		spinnerFaults.WithLabelValues(name).Inc()
	}
}

func ObserveStartDuration(name string, seconds float64) {
	if regOK.Load() {
		spinnerStartDuration.WithLabelValues(name).Observe(seconds)
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

func SetClaimedPorts(n int) {
	if regOK.Load() {
		claimedPorts.Set(float64(n))
	}
}

func IncIdleKill(route string) {
	if regOK.Load() {
		idleKills.WithLabelValues(route).Inc()
	}
}

func IncProxyRequest(outcome string) {
	if regOK.Load() {
		proxyRequests.WithLabelValues(outcome).Inc()
	}
}
