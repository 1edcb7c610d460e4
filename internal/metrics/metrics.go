// Package metrics provides Prometheus metrics for Digby
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the store.
type Metrics struct {
	CommitsTotal        *prometheus.CounterVec
	CommitDuration      prometheus.Histogram
	DirtyPagesTotal     prometheus.Counter
	PagesAllocatedTotal prometheus.Counter
	PagesFreedTotal     prometheus.Counter
	FreelistReclaimed   prometheus.Counter
	IntegrityFailures   prometheus.Counter
	DbSizeBytes         prometheus.Gauge
	TablesTotal         prometheus.Gauge

	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time

	GrpcRequestsInFlight prometheus.Gauge
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{ServerStartTime: time.Now()}

	m.CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digby_commits_total",
			Help: "Total number of committed (or aborted) transactions",
		},
		[]string{"status"},
	)

	m.CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "digby_commit_duration_seconds",
			Help:    "Duration of the transaction commit path, including both fsync barriers",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.DirtyPagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "digby_dirty_pages_total",
			Help: "Total number of pages written across all commits",
		},
	)

	m.PagesAllocatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "digby_pages_allocated_total",
			Help: "Total number of page numbers allocated, from the freelist or fresh growth",
		},
	)

	m.PagesFreedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "digby_pages_freed_total",
			Help: "Total number of pages queued for reclamation",
		},
	)

	m.FreelistReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "digby_freelist_reclaimed_total",
			Help: "Total number of pages reused from the freelist rather than grown fresh",
		},
	)

	m.IntegrityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "digby_integrity_failures_total",
			Help: "Total number of checksum or AEAD verification failures observed on read",
		},
	)

	m.DbSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "digby_db_size_bytes",
			Help: "Current database file size in bytes",
		},
	)

	m.TablesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "digby_tables_total",
			Help: "Number of named tables currently in the tables directory",
		},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "digby_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	m.GrpcRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "digby_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being served",
		},
	)

	m.GrpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digby_grpc_requests_total",
			Help: "Total number of gRPC requests handled",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "digby_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	go m.updateUptime()

	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordCommit records the outcome and duration of one mutate() call.
func (m *Metrics) RecordCommit(status string, duration time.Duration) {
	m.CommitsTotal.WithLabelValues(status).Inc()
	m.CommitDuration.Observe(duration.Seconds())
}

// RecordPageAllocated increments the allocation counter, tagging whether
// the page number came from the freelist or from fresh growth.
func (m *Metrics) RecordPageAllocated(reclaimed bool) {
	m.PagesAllocatedTotal.Inc()
	if reclaimed {
		m.FreelistReclaimed.Inc()
	}
}

// RecordPageFreed increments the free counter.
func (m *Metrics) RecordPageFreed() {
	m.PagesFreedTotal.Inc()
}

// RecordIntegrityFailure increments the integrity-failure counter.
func (m *Metrics) RecordIntegrityFailure() {
	m.IntegrityFailures.Inc()
}

// RecordGrpcRequest records the outcome and duration of one unary gRPC call.
func (m *Metrics) RecordGrpcRequest(method, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// UpdateDbStats updates the file-size and table-count gauges.
func (m *Metrics) UpdateDbStats(sizeBytes int64, tableCount int64) {
	m.DbSizeBytes.Set(float64(sizeBytes))
	m.TablesTotal.Set(float64(tableCount))
}
