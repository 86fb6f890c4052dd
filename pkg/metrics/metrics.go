// Package metrics provides Prometheus observability for the storage engine.
//
// All collectors hang off one Metrics value created at startup and passed by
// dependency injection. A nil *Metrics disables collection with zero overhead,
// so tests and embedded uses never touch a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	uploadBytes       *prometheus.CounterVec
	uploadsFinalized  *prometheus.CounterVec
	mutations         *prometheus.CounterVec
	gcReclaimed       *prometheus.CounterVec
	quotaUsedBytes    *prometheus.GaugeVec
	archiveJobs       *prometheus.CounterVec
	activeStreamZips  prometheus.Gauge
	requestDuration   *prometheus.HistogramVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	return &Metrics{
		registry: reg,
		uploadBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cumulus_upload_bytes_total",
				Help: "Total bytes received through chunked uploads",
			},
			[]string{"storage_id"},
		),
		uploadsFinalized: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cumulus_uploads_finalized_total",
				Help: "Total finalized uploads by outcome",
			},
			[]string{"outcome"}, // committed, failed
		),
		mutations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cumulus_mutations_total",
				Help: "Total tree mutations by kind and outcome",
			},
			[]string{"kind", "outcome"}, // mkdir/move/delete/restore/purge x ok/conflict/error
		),
		gcReclaimed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cumulus_gc_reclaimed_total",
				Help: "Total upload sessions and reservations reclaimed by GC",
			},
			[]string{"kind"}, // session, done_session, stuck_lock, reservation
		),
		quotaUsedBytes: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cumulus_quota_used_bytes",
				Help: "Committed bytes per user after the latest usage refresh",
			},
			[]string{"user_id"},
		),
		archiveJobs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cumulus_archive_jobs_total",
				Help: "Total archive jobs by kind and outcome",
			},
			[]string{"kind", "outcome"}, // compress/extract x done/failed
		),
		activeStreamZips: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "cumulus_active_zip_streams",
				Help: "Streaming zip downloads currently in flight",
			},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cumulus_http_request_duration_seconds",
				Help:    "HTTP request duration by route and status class",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "status"},
		),
	}
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AddUploadBytes records received upload bytes.
func (m *Metrics) AddUploadBytes(storageID string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.uploadBytes.WithLabelValues(storageID).Add(float64(n))
}

// RecordFinalize records a finalize outcome.
func (m *Metrics) RecordFinalize(outcome string) {
	if m == nil {
		return
	}
	m.uploadsFinalized.WithLabelValues(outcome).Inc()
}

// RecordMutation records a tree mutation outcome.
func (m *Metrics) RecordMutation(kind, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind, outcome).Inc()
}

// RecordGCReclaim records reclaimed GC items.
func (m *Metrics) RecordGCReclaim(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.gcReclaimed.WithLabelValues(kind).Add(float64(n))
}

// SetQuotaUsed publishes a user's committed usage.
func (m *Metrics) SetQuotaUsed(userID string, used int64) {
	if m == nil {
		return
	}
	m.quotaUsedBytes.WithLabelValues(userID).Set(float64(used))
}

// RecordArchiveJob records an archive job outcome.
func (m *Metrics) RecordArchiveJob(kind, outcome string) {
	if m == nil {
		return
	}
	m.archiveJobs.WithLabelValues(kind, outcome).Inc()
}

// StreamZipStarted increments the in-flight zip stream gauge.
func (m *Metrics) StreamZipStarted() {
	if m == nil {
		return
	}
	m.activeStreamZips.Inc()
}

// StreamZipFinished decrements the in-flight zip stream gauge.
func (m *Metrics) StreamZipFinished() {
	if m == nil {
		return
	}
	m.activeStreamZips.Dec()
}

// ObserveRequest records one HTTP request duration.
func (m *Metrics) ObserveRequest(route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, status).Observe(seconds)
}
