package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Package-level Prometheus collectors. They are registered via Register.
// Every browsertools invocation is short-lived, so instead of serving
// /metrics the CLI dumps its registry to a node-exporter textfile on exit.
var (
	regOK atomic.Bool

	sessionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "browsertools",
			Subsystem: "session",
			Name:      "starts_total",
			Help:      "Session start attempts by result.",
		}, []string{"result"},
	)
	sessionStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "browsertools",
			Subsystem: "session",
			Name:      "stops_total",
			Help:      "Session stops by trigger (user or watchdog).",
		}, []string{"trigger"},
	)
	sessionStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "browsertools",
			Subsystem: "session",
			Name:      "start_duration_seconds",
			Help:      "Time from start request until the browser accepted CDP connections.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	tunnelStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "browsertools",
			Subsystem: "tunnel",
			Name:      "starts_total",
			Help:      "SSH tunnel start attempts by result.",
		}, []string{"result"},
	)
	tunnelStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "browsertools",
			Subsystem: "tunnel",
			Name:      "stops_total",
			Help:      "SSH tunnel stops by outcome (exited, killed, not-running).",
		}, []string{"outcome"},
	)
	tunnelReadyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "browsertools",
			Subsystem: "tunnel",
			Name:      "ready_duration_seconds",
			Help:      "Time until the tunnel port accepted a connection.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
	watchdogPolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "browsertools",
			Subsystem: "watchdog",
			Name:      "polls_total",
			Help:      "Heartbeat polls performed by the watchdog.",
		},
	)
	watchdogTeardowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "browsertools",
			Subsystem: "watchdog",
			Name:      "teardowns_total",
			Help:      "Watchdog exits by reason.",
		}, []string{"reason"},
	)
	heartbeatTouches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "browsertools",
			Subsystem: "heartbeat",
			Name:      "touches_total",
			Help:      "Heartbeat touches by result (ok, absent, error).",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times and with several registries.
func Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{
		sessionStarts, sessionStops, sessionStartDuration,
		tunnelStarts, tunnelStops, tunnelReadyDuration,
		watchdogPolls, watchdogTeardowns, heartbeatTouches,
		processCPUPercent, processMemoryMB, processNumThreads,
	}
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

// WriteTextfile writes everything g gathers to path in the text exposition
// format, creating the parent directory. The file is replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSessionStart(result string) {
	if regOK.Load() {
		sessionStarts.WithLabelValues(result).Inc()
	}
}

func IncSessionStop(trigger string) {
	if regOK.Load() {
		sessionStops.WithLabelValues(trigger).Inc()
	}
}

func ObserveSessionStart(seconds float64) {
	if regOK.Load() {
		sessionStartDuration.Observe(seconds)
	}
}

func IncTunnelStart(result string) {
	if regOK.Load() {
		tunnelStarts.WithLabelValues(result).Inc()
	}
}

func IncTunnelStop(outcome string) {
	if regOK.Load() {
		tunnelStops.WithLabelValues(outcome).Inc()
	}
}

func ObserveTunnelReady(seconds float64) {
	if regOK.Load() {
		tunnelReadyDuration.Observe(seconds)
	}
}

func IncWatchdogPoll() {
	if regOK.Load() {
		watchdogPolls.Inc()
	}
}

func IncWatchdogTeardown(reason string) {
	if regOK.Load() {
		watchdogTeardowns.WithLabelValues(reason).Inc()
	}
}

func IncHeartbeatTouch(result string) {
	if regOK.Load() {
		heartbeatTouches.WithLabelValues(result).Inc()
	}
}
