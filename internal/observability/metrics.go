// Package observability exposes Prometheus instruments for the commit
// pipeline, the fan-out adapters, and the retry sweeper.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the pipeline.
type Metrics struct {
	Commits           *prometheus.CounterVec
	CommitLatency     prometheus.Histogram
	AdapterWrites     *prometheus.CounterVec
	AdapterLatency    *prometheus.HistogramVec
	SweeperRetries    *prometheus.CounterVec
	RetriesExhausted  *prometheus.CounterVec
	ShadowComparisons *prometheus.CounterVec
	ConfigReloads     *prometheus.CounterVec
	PendingFanouts    prometheus.Gauge
}

// NewMetrics registers all instruments under the given namespace using the
// default registerer. Call once per process.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers instruments against an explicit registerer.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Turn commits by final status.",
		}, []string{"status"}),
		CommitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_latency_ms",
			Help:      "End-to-end commit latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		AdapterWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_writes_total",
			Help:      "Adapter write attempts by adapter and outcome.",
		}, []string{"adapter", "outcome"}),
		AdapterLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_write_latency_ms",
			Help:      "Per-adapter write latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"adapter"}),
		SweeperRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_retries_total",
			Help:      "Sweeper retry attempts by adapter and outcome.",
		}, []string{"adapter", "outcome"}),
		RetriesExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_exhausted_total",
			Help:      "Fan-out writes abandoned after the retry budget, by adapter. Alert on any increase.",
		}, []string{"adapter"}),
		ShadowComparisons: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shadow_comparisons_total",
			Help:      "Shadow dual-write outcomes compared against the legacy path.",
		}, []string{"result"}),
		ConfigReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Rollout config reload attempts by result.",
		}, []string{"result"}),
		PendingFanouts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_fanouts",
			Help:      "Fan-out writes awaiting retry as of the last sweep.",
		}),
	}
}

// ObserveCommit records one finished commit.
func (m *Metrics) ObserveCommit(status string, d time.Duration) {
	m.Commits.WithLabelValues(status).Inc()
	m.CommitLatency.Observe(float64(d.Milliseconds()))
}

// ObserveAdapterWrite records one adapter write attempt.
func (m *Metrics) ObserveAdapterWrite(adapter, outcome string, d time.Duration) {
	m.AdapterWrites.WithLabelValues(adapter, outcome).Inc()
	m.AdapterLatency.WithLabelValues(adapter).Observe(float64(d.Milliseconds()))
}

// MetricsHandler returns the HTTP handler for the /metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
