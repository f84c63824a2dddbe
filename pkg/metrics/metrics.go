// Package metrics wires the orchestrator's counters and histograms into
// prometheus/client_golang, present in the teacher's go.mod but never
// actually registered there — this package is where it finally gets
// used for real.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every metric the orchestrator exports.
type Registry struct {
	PipelinesStarted   *prometheus.CounterVec
	PipelinesCompleted *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	LedgerWrites       *prometheus.CounterVec
	LedgerWriteLatency prometheus.Histogram
	ActivePipelines    prometheus.Gauge
	BusSubscribers     prometheus.Gauge
}

// NewRegistry constructs and registers every metric against a fresh
// prometheus.Registry, so tests can use an isolated instance instead of
// the global default one.
func NewRegistry() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		PipelinesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aidchain",
			Subsystem: "orchestrator",
			Name:      "pipelines_started_total",
			Help:      "Number of aid request pipelines started, by aid class.",
		}, []string{"aid_class"}),

		PipelinesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aidchain",
			Subsystem: "orchestrator",
			Name:      "pipelines_completed_total",
			Help:      "Number of pipelines reaching a terminal status, by status.",
		}, []string{"status"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aidchain",
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),

		LedgerWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aidchain",
			Subsystem: "ledger",
			Name:      "writes_total",
			Help:      "Ledger write calls, by method and outcome.",
		}, []string{"method", "outcome"}),

		LedgerWriteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aidchain",
			Subsystem: "ledger",
			Name:      "write_latency_seconds",
			Help:      "Ledger write call latency.",
			Buckets:   prometheus.DefBuckets,
		}),

		ActivePipelines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aidchain",
			Subsystem: "orchestrator",
			Name:      "active_pipelines",
			Help:      "Pipelines currently in a non-terminal stage.",
		}),

		BusSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aidchain",
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Current event bus subscriber count.",
		}),
	}, reg
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
