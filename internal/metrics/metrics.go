package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	runsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scriptvisor",
			Name:      "runs_started_total",
			Help:      "Number of runs started, split by whether an output sink was reused.",
		}, []string{"reused"},
	)
	runsExited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scriptvisor",
			Name:      "runs_exited_total",
			Help:      "Number of finished runs by exit severity.",
		}, []string{"severity"},
	)
	runsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scriptvisor",
			Name:      "runs_evicted_total",
			Help:      "Number of finished runs dropped from the registry.",
		},
	)
	runsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scriptvisor",
			Name:      "runs_active",
			Help:      "Runs currently executing.",
		},
	)
	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "scriptvisor",
			Name:      "run_duration_seconds",
			Help:      "Wall time from start to exit of a run.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	hotkeyAcquires = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scriptvisor",
			Subsystem: "hotkey",
			Name:      "acquires_total",
			Help:      "Times the hotkey resource was rewritten to its disabled form.",
		},
	)
	hotkeyRestores = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scriptvisor",
			Subsystem: "hotkey",
			Name:      "restores_total",
			Help:      "Times the hotkey resource was restored.",
		},
	)
	hotkeyForced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scriptvisor",
			Subsystem: "hotkey",
			Name:      "forced_releases_total",
			Help:      "Restores triggered by the safety timeout or teardown.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{runsStarted, runsExited, runsEvicted, runsActive, runDuration, hotkeyAcquires, hotkeyRestores, hotkeyForced}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncRunStarted(reused bool) {
	if regOK.Load() {
		runsStarted.WithLabelValues(strconv.FormatBool(reused)).Inc()
	}
}

func IncRunExited(severity string) {
	if regOK.Load() {
		runsExited.WithLabelValues(severity).Inc()
	}
}

func IncRunEvicted() {
	if regOK.Load() {
		runsEvicted.Inc()
	}
}

func SetRunsActive(n int) {
	if regOK.Load() {
		runsActive.Set(float64(n))
	}
}

func ObserveRunDuration(seconds float64) {
	if regOK.Load() {
		runDuration.Observe(seconds)
	}
}

func IncHotkeyAcquire() {
	if regOK.Load() {
		hotkeyAcquires.Inc()
	}
}

func IncHotkeyRestore() {
	if regOK.Load() {
		hotkeyRestores.Inc()
	}
}

func IncHotkeyForcedRelease() {
	if regOK.Load() {
		hotkeyForced.Inc()
	}
}
