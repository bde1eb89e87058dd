// Package metrics exposes Prometheus instrumentation for the extraction
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// File outcome label values.
const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics bundles the pipeline collectors behind a private registry.
type Metrics struct {
	registry *prometheus.Registry

	batchesTotal       prometheus.Counter
	filesTotal         *prometheus.CounterVec
	extractionDuration prometheus.Histogram
}

// New creates a Metrics with its own registry including the standard Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		batchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yomitori_batches_total",
			Help: "Total number of batches processed.",
		}),
		filesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yomitori_files_total",
			Help: "Total number of files processed, by outcome.",
		}, []string{"outcome"}),
		extractionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "yomitori_extraction_duration_seconds",
			Help:    "Duration of a single text extraction call.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.batchesTotal,
		m.filesTotal,
		m.extractionDuration,
	)
	return m
}

func (m *Metrics) BatchProcessed() {
	m.batchesTotal.Inc()
}

func (m *Metrics) FileOutcome(outcome string) {
	m.filesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveExtraction(seconds float64) {
	m.extractionDuration.Observe(seconds)
}

// Handler returns the HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
