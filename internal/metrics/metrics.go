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

	starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeeper",
			Subsystem: "supervisor",
			Name:      "starts_total",
			Help:      "Number of successful process starts per supervision tier.",
		}, []string{"tier"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeeper",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of restarts counted against the restart policy.",
		}, []string{"tier"},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeeper",
			Subsystem: "supervisor",
			Name:      "exits_total",
			Help:      "Number of observed process exits by exit code (-1 = signal).",
		}, []string{"tier", "code"},
	)
	giveUps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeeper",
			Subsystem: "supervisor",
			Name:      "giveups_total",
			Help:      "Number of times a tier exhausted its restart policy.",
		}, []string{"tier"},
	)
	fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeeper",
			Subsystem: "supervisor",
			Name:      "fallbacks_total",
			Help:      "Number of fallbacks from one supervision tier to the next.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botkeeper",
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Current restart phase per tier (1 = active phase, 0 = inactive).",
		}, []string{"tier", "state"},
	)
	bootstrapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "botkeeper",
			Subsystem: "bootstrap",
			Name:      "duration_seconds",
			Help:      "Time spent preparing the application before supervision.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
	bootstrapFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeeper",
			Subsystem: "bootstrap",
			Name:      "failures_total",
			Help:      "Number of fatal bootstrap failures by stage.",
		}, []string{"stage"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{starts, restarts, exits, giveUps, fallbacks, currentState, bootstrapDuration, bootstrapFailures}
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(tier string) {
	if regOK.Load() {
		starts.WithLabelValues(tier).Inc()
	}
}

func IncRestart(tier string) {
	if regOK.Load() {
		restarts.WithLabelValues(tier).Inc()
	}
}

func IncExit(tier string, code int) {
	if regOK.Load() {
		exits.WithLabelValues(tier, strconv.Itoa(code)).Inc()
	}
}

func IncGiveUp(tier string) {
	if regOK.Load() {
		giveUps.WithLabelValues(tier).Inc()
	}
}

func IncFallback(from, to string) {
	if regOK.Load() {
		fallbacks.WithLabelValues(from, to).Inc()
	}
}

// SetState moves the active phase gauge of tier from one phase to another.
func SetState(tier, from, to string) {
	if !regOK.Load() {
		return
	}
	if from != "" && from != to {
		currentState.WithLabelValues(tier, from).Set(0)
	}
	currentState.WithLabelValues(tier, to).Set(1)
}

func ObserveBootstrap(seconds float64) {
	if regOK.Load() {
		bootstrapDuration.Observe(seconds)
	}
}

func IncBootstrapFailure(stage string) {
	if regOK.Load() {
		bootstrapFailures.WithLabelValues(stage).Inc()
	}
}
