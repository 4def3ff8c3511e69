// Package metrics provides Prometheus metrics for the search service
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/franz/pbs-search/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors, registered on a private registry
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Search metrics
	SearchStageTotal    *prometheus.CounterVec
	SearchStageDuration *prometheus.HistogramVec

	// Ingest metrics
	IngestRunsTotal     *prometheus.CounterVec
	IngestDuration      prometheus.Histogram
	IngestLastDocs      prometheus.Gauge
	IngestLastSuccessTS prometheus.Gauge
}

// New creates and registers all metrics
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pbs_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	m.HTTPRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbs_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)

	m.SearchStageTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_search_stage_total",
			Help: "Search stage attempts by outcome (hit, empty, error)",
		},
		[]string{"stage", "outcome"},
	)

	m.SearchStageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pbs_search_stage_duration_seconds",
			Help:    "Duration of individual search stages in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"stage"},
	)

	m.IngestRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_ingest_runs_total",
			Help: "Total number of ingest runs by status",
		},
		[]string{"status"},
	)

	m.IngestDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pbs_ingest_duration_seconds",
			Help:    "Duration of ingest runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	m.IngestLastDocs = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbs_ingest_last_docs",
			Help: "Documents stored by the last successful ingest",
		},
	)

	m.IngestLastSuccessTS = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbs_ingest_last_success_timestamp_seconds",
			Help: "Unix time of the last successful ingest",
		},
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTP records one served request
func (m *Metrics) RecordHTTP(route, method string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveStage matches search.StageObserver
func (m *Metrics) ObserveStage(stage string, results int, elapsed time.Duration, err error) {
	outcome := "empty"
	switch {
	case err != nil:
		outcome = "error"
	case results > 0:
		outcome = "hit"
	}
	m.SearchStageTotal.WithLabelValues(stage, outcome).Inc()
	m.SearchStageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RecordRun matches ingest.Config.OnFinish
func (m *Metrics) RecordRun(run *store.Run, elapsed time.Duration) {
	m.IngestRunsTotal.WithLabelValues(run.Status).Inc()
	m.IngestDuration.Observe(elapsed.Seconds())
	if run.Status == store.RunSucceeded {
		m.IngestLastDocs.Set(float64(run.Docs))
		m.IngestLastSuccessTS.Set(float64(time.Now().Unix()))
	}
}
