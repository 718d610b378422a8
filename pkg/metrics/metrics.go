// Package metrics exposes Prometheus counters and histograms for the
// provisioning lifecycle and the partition-key daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lifecycle phase metrics, labeled by network type and phase name.
	PhaseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprov_phase_total",
			Help: "Total number of lifecycle phase invocations by network type, phase and outcome",
		},
		[]string{"type", "phase", "outcome"},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netprov_phase_duration_seconds",
			Help:    "Lifecycle phase duration in seconds by network type and phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type", "phase"},
	)

	// Allocator metrics.
	AllocTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprov_alloc_total",
			Help: "Total number of ID allocator operations by label and outcome",
		},
		[]string{"label", "outcome"},
	)

	AllocExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprov_alloc_exhausted_total",
			Help: "Total number of allocator exhaustion errors by label",
		},
		[]string{"label"},
	)

	// KV store metrics.
	KVWaitTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprov_kv_wait_timeouts_total",
			Help: "Total number of blocking KV reads that timed out",
		},
		[]string{"backend"},
	)

	KVCASRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprov_kv_cas_retries_total",
			Help: "Total number of compare-and-swap retries",
		},
		[]string{"backend"},
	)

	// OS adapter metrics.
	ExternalCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netprov_external_command_duration_seconds",
			Help:    "Duration of shelled-out host tooling invocations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	ExternalCommandErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprov_external_command_errors_total",
			Help: "Total number of failed host tooling invocations by tool",
		},
		[]string{"tool"},
	)

	// Partition-key daemon metrics.
	PkeyDaemonRendersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netprov_pkey_daemon_renders_total",
			Help: "Total number of partition config files rendered",
		},
	)

	PkeyDaemonRenderErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netprov_pkey_daemon_render_errors_total",
			Help: "Total number of partition config render failures",
		},
	)

	PkeyDaemonSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprov_pkey_daemon_signals_total",
			Help: "Total number of SIGHUP signals sent to subnet-manager processes",
		},
		[]string{"outcome"},
	)

	PkeysActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netprov_pkeys_active",
			Help: "Number of partition keys currently tracked by the daemon",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PhaseTotal,
		PhaseDuration,
		AllocTotal,
		AllocExhaustedTotal,
		KVWaitTimeoutsTotal,
		KVCASRetriesTotal,
		ExternalCommandDuration,
		ExternalCommandErrorsTotal,
		PkeyDaemonRendersTotal,
		PkeyDaemonRenderErrorsTotal,
		PkeyDaemonSignalsTotal,
		PkeysActive,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
