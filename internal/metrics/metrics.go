// Package metrics exposes Prometheus instrumentation for ingestion,
// consolidation runs and retention sweeps.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the counters below.
const (
	OutcomeAccepted        = "accepted"
	OutcomeDropped         = "dropped"
	OutcomeDuplicate       = "duplicate"
	OutcomeProcessed       = "processed"
	OutcomeSkippedUnmapped = "skipped_unmapped"
	OutcomeSkippedEmpty    = "skipped_empty"
	OutcomeFailed          = "failed"
	OutcomeStored          = "stored"
	OutcomeCompleted       = "completed"
	OutcomeSkippedForLock  = "skipped_for_lock"
)

// Metrics holds the collectors registered on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesIngested *prometheus.CounterVec
	runsTotal        *prometheus.CounterVec
	groupsTotal      *prometheus.CounterVec
	mediaTotal       *prometheus.CounterVec
	runDuration      prometheus.Histogram
	bufferedMessages prometheus.Gauge
	reportsSwept     prometheus.Counter
}

// New creates the collectors on a fresh registry, including Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Labels: kind, outcome ("accepted", "dropped")
		messagesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sitelog_messages_ingested_total",
			Help: "Inbound messages by kind and ingestion outcome",
		}, []string{"kind", "outcome"}),

		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sitelog_consolidation_runs_total",
			Help: "Consolidation runs by outcome",
		}, []string{"outcome"}),

		groupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sitelog_consolidation_groups_total",
			Help: "Sender groups handled by consolidation, by outcome",
		}, []string{"outcome"}),

		mediaTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sitelog_media_items_total",
			Help: "Media items by kind and storage outcome",
		}, []string{"kind", "outcome"}),

		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sitelog_consolidation_run_duration_seconds",
			Help:    "Consolidation run duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),

		bufferedMessages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sitelog_buffered_messages",
			Help: "Buffered messages left after the last consolidation run",
		}),

		reportsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "sitelog_reports_swept_total",
			Help: "Reports removed by the retention sweep",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry, or nil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageIngested(kind, outcome string) {
	if m == nil {
		return
	}
	m.messagesIngested.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RunFinished(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func (m *Metrics) GroupFinished(outcome string) {
	if m == nil {
		return
	}
	m.groupsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MediaHandled(kind, outcome string) {
	if m == nil {
		return
	}
	m.mediaTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SetBufferedMessages(n int) {
	if m == nil {
		return
	}
	m.bufferedMessages.Set(float64(n))
}

func (m *Metrics) ReportsSwept(n int) {
	if m == nil {
		return
	}
	m.reportsSwept.Add(float64(n))
}
