package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// Metrics groups the Prometheus instruments of the memory service. It
// implements memory.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	Operations     *prometheus.CounterVec
	Durations      *prometheus.HistogramVec
	ActiveSessions prometheus.Gauge
	Promotions     *prometheus.CounterVec
}

// NewMetrics registers the instruments on a fresh registry, together with
// the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "operations_total",
			Help:      "Long-term memory operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		Durations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "operation_duration_seconds",
			Help:      "Latency of long-term memory operations.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "active_sessions",
			Help:      "Sessions currently holding a short-term buffer.",
		}),
		Promotions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "promotions_total",
			Help:      "Turn promotion decisions by outcome (skipped, persisted, failed).",
		}, []string{"outcome"}),
	}
}

// ObserveOperation implements memory.Recorder.
func (m *Metrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.Durations.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObservePromotion implements memory.Recorder.
func (m *Metrics) ObservePromotion(outcome string) {
	m.Promotions.WithLabelValues(outcome).Inc()
}

// SetActiveSessions implements memory.Recorder.
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

var _ memory.Recorder = (*Metrics)(nil)
