package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the indexer.
// Every method is safe to call on a nil receiver.
type PrometheusMetrics struct {
	// Ingestion metrics
	EventsIngestedTotal *prometheus.CounterVec
	DecodeErrorsTotal   prometheus.Counter
	StateConflictsTotal *prometheus.CounterVec
	BatchesCommitted    prometheus.Counter
	BatchDuration       prometheus.Histogram
	RangeNarrowedTotal  prometheus.Counter
	CycleErrorsTotal    *prometheus.CounterVec

	// Chain position metrics
	LatestProcessedBlock prometheus.Gauge
	ChainHeadBlock       prometheus.Gauge
	BlocksBehind         prometheus.Gauge

	// RPC metrics
	RPCRequestsTotal   *prometheus.CounterVec
	RPCRequestDuration *prometheus.HistogramVec
	RPCErrorsTotal     *prometheus.CounterVec

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec
	CacheRequestsTotal        *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		EventsIngestedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_indexer_events_ingested_total",
				Help: "Total number of staking events applied to the ledger, by outcome",
			},
			[]string{"event_type", "outcome"},
		),

		DecodeErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sage_indexer_decode_errors_total",
				Help: "Total number of contract logs skipped because they could not be decoded",
			},
		),

		StateConflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_indexer_state_conflicts_total",
				Help: "Total number of events rejected by the position state machine",
			},
			[]string{"event_type"},
		),

		BatchesCommitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sage_indexer_batches_committed_total",
				Help: "Total number of block ranges committed together with the checkpoint",
			},
		),

		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sage_indexer_batch_duration_seconds",
				Help:    "Time spent fetching and committing one block range",
				Buckets: prometheus.DefBuckets,
			},
		),

		RangeNarrowedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sage_indexer_range_narrowed_total",
				Help: "Total number of times a block range was halved after a range-too-large error",
			},
		),

		CycleErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_indexer_sync_cycle_errors_total",
				Help: "Total number of failed sync cycles",
			},
			[]string{"phase"},
		),

		LatestProcessedBlock: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sage_indexer_latest_processed_block",
				Help: "Checkpoint: highest block whose events are committed",
			},
		),

		ChainHeadBlock: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sage_indexer_chain_head_block",
				Help: "Latest chain head observed",
			},
		),

		BlocksBehind: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sage_indexer_blocks_behind",
				Help: "Number of blocks between the checkpoint and the observed head",
			},
		),

		RPCRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_indexer_rpc_requests_total",
				Help: "Total number of RPC requests made to the chain node",
			},
			[]string{"method", "status"},
		),

		RPCRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sage_indexer_rpc_request_duration_seconds",
				Help:    "Duration of RPC requests to the chain node",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_indexer_rpc_errors_total",
				Help: "Total number of RPC errors by class",
			},
			[]string{"class"},
		),

		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_indexer_db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sage_indexer_db_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		CacheRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_indexer_cache_requests_total",
				Help: "Position cache lookups by result",
			},
			[]string{"result"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_indexer_notifications_total",
				Help: "Conflict notifications by channel and delivery status",
			},
			[]string{"channel", "status"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sage_indexer_http_requests_total",
				Help: "Total number of HTTP requests received",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sage_indexer_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sage_indexer_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sage_indexer_component_health",
				Help: "Health status of application components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sage_indexer_memory_bytes",
				Help: "Current heap allocation in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sage_indexer_goroutines",
				Help: "Number of running goroutines",
			},
		),
	}
}

// RecordEventIngested records the ledger outcome of one event
func (m *PrometheusMetrics) RecordEventIngested(eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsIngestedTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordDecodeError records a skipped, undecodable log
func (m *PrometheusMetrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrorsTotal.Inc()
}

// RecordStateConflict records a rejected event
func (m *PrometheusMetrics) RecordStateConflict(eventType string) {
	if m == nil {
		return
	}
	m.StateConflictsTotal.WithLabelValues(eventType).Inc()
}

// RecordBatchCommitted records a committed range and how long it took
func (m *PrometheusMetrics) RecordBatchCommitted(duration time.Duration) {
	if m == nil {
		return
	}
	m.BatchesCommitted.Inc()
	m.BatchDuration.Observe(duration.Seconds())
}

// RecordRangeNarrowed records one halving of a block range
func (m *PrometheusMetrics) RecordRangeNarrowed() {
	if m == nil {
		return
	}
	m.RangeNarrowedTotal.Inc()
}

// RecordCycleError records a failed backfill or poll cycle
func (m *PrometheusMetrics) RecordCycleError(phase string) {
	if m == nil {
		return
	}
	m.CycleErrorsTotal.WithLabelValues(phase).Inc()
}

// UpdateSyncPosition updates checkpoint, head and lag gauges
func (m *PrometheusMetrics) UpdateSyncPosition(checkpoint, head uint64) {
	if m == nil {
		return
	}
	m.LatestProcessedBlock.Set(float64(checkpoint))
	m.ChainHeadBlock.Set(float64(head))
	behind := uint64(0)
	if head > checkpoint {
		behind = head - checkpoint
	}
	m.BlocksBehind.Set(float64(behind))
}

// RecordRPCRequest records an RPC request
func (m *PrometheusMetrics) RecordRPCRequest(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRPCError records a classified RPC error
func (m *PrometheusMetrics) RecordRPCError(class string) {
	if m == nil {
		return
	}
	m.RPCErrorsTotal.WithLabelValues(class).Inc()
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordCacheRequest records a cache hit, miss or error
func (m *PrometheusMetrics) RecordCacheRequest(result string) {
	if m == nil {
		return
	}
	m.CacheRequestsTotal.WithLabelValues(result).Inc()
}

// RecordNotification records a notification delivery attempt
func (m *PrometheusMetrics) RecordNotification(channel, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(channel, status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime metric
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	if m == nil {
		return
	}
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates the memory usage metric
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	if m == nil {
		return
	}
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count metric
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	if m == nil {
		return
	}
	m.GoroutineCount.Set(float64(count))
}
