// Package metrics holds the Prometheus collectors for the service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/ComUnity/insight-service/internal/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	IngestRequests     *prometheus.CounterVec
	IngestDuration     *prometheus.HistogramVec
	ObservationsTotal  prometheus.Counter
	StageDuration      *prometheus.HistogramVec
	InsightChanges     *prometheus.CounterVec
	DailyMetricUpserts prometheus.Counter
	OrgLockWait        prometheus.Histogram
	RedisOps           *prometheus.HistogramVec
	EventsDropped      *prometheus.CounterVec
	WorkerRuns         *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	RetentionRows      *prometheus.CounterVec
}

// New registers every collector on a fresh registry, plus the Go and
// process collectors.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		IngestRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Ingest requests by outcome and rejection reason",
		}, []string{"outcome", "reason"}),
		IngestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "End-to-end ingest latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		ObservationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_accepted_total",
			Help:      "Observations accepted into scoring",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_stage_duration_seconds",
			Help:      "Latency of each pipeline stage",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"stage"}),
		InsightChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insight_changes_total",
			Help:      "Insights created or merged, by severity",
		}, []string{"change", "severity"}),
		DailyMetricUpserts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daily_metric_upserts_total",
			Help:      "DailyMetric rows recomputed",
		}),
		OrgLockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "org_lock_wait_seconds",
			Help:      "Time spent waiting for the per-org lock",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2, 5},
		}),
		RedisOps: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redis_op_duration_seconds",
			Help:      "Redis command latency",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .5},
		}, []string{"op", "result"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Telemetry events dropped on backpressure",
		}, []string{"kind"}),
		WorkerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_runs_total",
			Help:      "Background task runs by result",
		}, []string{"task", "result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status class",
		}, []string{"method", "route", "status"}),
		RetentionRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_rows_total",
			Help:      "Rows purged, or matched in dry-run mode, by category",
		}, []string{"category", "mode"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveIngest(outcome, reason string, d time.Duration, accepted int) {
	if m == nil {
		return
	}
	m.IngestRequests.WithLabelValues(outcome, reason).Inc()
	m.IngestDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if accepted > 0 {
		m.ObservationsTotal.Add(float64(accepted))
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) InsightChanged(created bool, severity string) {
	if m == nil {
		return
	}
	change := "merged"
	if created {
		change = "created"
	}
	m.InsightChanges.WithLabelValues(change, severity).Inc()
}

func (m *Metrics) DailyMetricUpserted() {
	if m == nil {
		return
	}
	m.DailyMetricUpserts.Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.OrgLockWait.Observe(d.Seconds())
}

func (m *Metrics) EventDropped(kind string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) WorkerRun(task string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.WorkerRuns.WithLabelValues(task, result).Inc()
}

func (m *Metrics) RetentionPurged(category string, rows int64, dryRun bool) {
	if m == nil || rows <= 0 {
		return
	}
	mode := "delete"
	if dryRun {
		mode = "dry_run"
	}
	m.RetentionRows.WithLabelValues(category, mode).Add(float64(rows))
}

func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
}

// RedisObserver adapts the collectors to the Redis client hook.
func (m *Metrics) RedisObserver() client.LatencyObserver {
	return func(op string, d time.Duration, err error) {
		if m == nil {
			return
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.RedisOps.WithLabelValues(op, result).Observe(d.Seconds())
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
