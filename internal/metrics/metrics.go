// Package metrics provides Prometheus metrics for monitoring the worker.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions shows current live browser sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chromeworker_active_sessions",
			Help: "Number of live browser sessions",
		},
	)

	// PendingLaunches shows admissions currently in flight.
	PendingLaunches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chromeworker_pending_launches",
			Help: "Number of browser launches in flight",
		},
	)

	// PortsByState shows the port registry population by state.
	PortsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chromeworker_ports",
			Help: "Port registry entries by state",
		},
		[]string{"state"},
	)

	// LaunchesTotal counts launch attempts by outcome.
	LaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chromeworker_launches_total",
			Help: "Total browser launch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// LaunchDuration tracks time from spawn to DevTools readiness.
	LaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chromeworker_launch_duration_seconds",
			Help:    "Time from process spawn to DevTools readiness",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 9), // 0.5s to ~2m
		},
	)

	// TerminationsTotal counts session terminations by reason.
	TerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chromeworker_terminations_total",
			Help: "Total session terminations by reason",
		},
		[]string{"reason"},
	)

	// QueueOperations counts queue client operations by type and outcome.
	QueueOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chromeworker_queue_operations_total",
			Help: "Queue client operations by type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// QueueClientResets counts connection resets after repeated failures.
	QueueClientResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chromeworker_queue_client_resets_total",
			Help: "Queue client resets after consecutive failures",
		},
	)

	// CallbacksTotal counts callback deliveries by outcome.
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chromeworker_callbacks_total",
			Help: "Callback deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// ProfilesPruned counts profile directories removed by the janitor.
	ProfilesPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chromeworker_profiles_pruned_total",
			Help: "Stale profile directories removed by the janitor",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chromeworker_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chromeworker_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chromeworker_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		PendingLaunches,
		PortsByState,
		LaunchesTotal,
		LaunchDuration,
		TerminationsTotal,
		QueueOperations,
		QueueClientResets,
		CallbacksTotal,
		ProfilesPruned,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// RecordLaunch records a completed launch attempt.
func RecordLaunch(outcome string, duration time.Duration) {
	LaunchesTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		LaunchDuration.Observe(duration.Seconds())
	}
}

// RecordTermination records a session termination.
func RecordTermination(reason string) {
	TerminationsTotal.WithLabelValues(reason).Inc()
}

// RecordQueueOperation records one queue client call.
func RecordQueueOperation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	QueueOperations.WithLabelValues(operation, outcome).Inc()
}

// UpdatePortMetrics publishes a port registry snapshot.
func UpdatePortMetrics(free, reserved, active int) {
	PortsByState.WithLabelValues("free").Set(float64(free))
	PortsByState.WithLabelValues("reserved").Set(float64(reserved))
	PortsByState.WithLabelValues("active").Set(float64(active))
}

// UpdateSessionMetrics updates the live session count.
func UpdateSessionMetrics(count int) {
	ActiveSessions.Set(float64(count))
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}
