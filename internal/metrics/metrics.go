// Package metrics exposes prometheus collectors for ingestion, scheduling
// and the HTTP surfaces of both services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors one service registers. Each service gets
// its own registry so tests never trip duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	IngestRowsProcessed *prometheus.CounterVec
	IngestRowsFailed    *prometheus.CounterVec
	IngestRuns          *prometheus.CounterVec
	JobRuns             *prometheus.CounterVec
	BrokerageEvents     *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New creates and registers the collectors under the service label.
func New(service string) *Metrics {
	registry := prometheus.NewRegistry()
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": service}, registry)

	m := &Metrics{
		registry: registry,
		IngestRowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_rows_processed_total",
			Help: "Quote rows successfully upserted per market.",
		}, []string{"market"}),
		IngestRowsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_rows_failed_total",
			Help: "Quote rows rejected or failed per market.",
		}, []string{"market"}),
		IngestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_runs_total",
			Help: "Ingestion cycles by outcome.",
		}, []string{"market", "status"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_job_runs_total",
			Help: "Scheduled job runs by outcome.",
		}, []string{"job", "status"}),
		BrokerageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokerage_events_total",
			Help: "Brokerage events committed by kind.",
		}, []string{"kind"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
	}

	reg.MustRegister(
		m.IngestRowsProcessed,
		m.IngestRowsFailed,
		m.IngestRuns,
		m.JobRuns,
		m.BrokerageEvents,
		m.HTTPDuration,
	)
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one request's latency.
func (m *Metrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	m.HTTPDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
