// Package metrics holds the Prometheus collectors for finalization runs.
// All methods are nil-safe so components can run without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tims"

// Metrics groups the collectors registered on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	gateWait    *prometheus.HistogramVec
	indices     *prometheus.CounterVec
	geneRows    *prometheus.CounterVec
	queueDepth  prometheus.Gauge
}

// New builds and registers the collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finalization runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finalization runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"kind"}),
		gateWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_wait_seconds",
			Help:      "Time spent waiting for a single-permit gate.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"gate"}),
		indices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "array_indices_allocated_total",
			Help:      "Array indices allocated per wide table.",
		}, []string{"target"}),
		geneRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gene_rows_total",
			Help:      "Gene rows read per wide table, by result.",
		}, []string{"target", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_queue_depth",
			Help:      "Runs waiting for a worker.",
		}),
	}
	m.registry.MustRegister(
		m.runs, m.runDuration, m.gateWait, m.indices, m.geneRows, m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRun(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(kind, outcome).Inc()
	m.runDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) ObserveGateWait(gate string, d time.Duration) {
	if m == nil {
		return
	}
	m.gateWait.WithLabelValues(gate).Observe(d.Seconds())
}

func (m *Metrics) AddIndices(target string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.indices.WithLabelValues(target).Add(float64(n))
}

func (m *Metrics) AddGeneRows(target string, processed, skipped int) {
	if m == nil {
		return
	}
	m.geneRows.WithLabelValues(target, "processed").Add(float64(processed))
	m.geneRows.WithLabelValues(target, "skipped").Add(float64(skipped))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
