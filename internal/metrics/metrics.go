// Package metrics defines the Prometheus collectors of the data-access layer and
// the in-process rolling window of query executions (Recorder).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks borrowed connections per credential class.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "registry_pool_connections_active",
		Help: "Number of borrowed connections per credential class",
	}, []string{"class"})

	// ConnectionsIdle tracks connections available for reuse per credential class.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "registry_pool_connections_idle",
		Help: "Number of idle connections in the pool per credential class",
	}, []string{"class"})

	// ConnectionsMax tracks the configured cap per credential class.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "registry_pool_connections_max",
		Help: "Configured maximum connections per credential class",
	}, []string{"class"})

	// ConnectionsTotal counts pool operations by outcome.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_pool_operations_total",
		Help: "Total connection pool operations",
	}, []string{"class", "status"})

	// ConnectionErrors counts connection errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_pool_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"class", "error_type"})

	// AcquireWaitDuration tracks how long Get spent before handing out a connection.
	AcquireWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registry_pool_acquire_seconds",
		Help:    "Time spent acquiring a connection from the pool",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"class"})

	// QueryDuration tracks query execution time, cache hits included.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registry_query_duration_seconds",
		Help:    "Query execution duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"query", "cache"})

	// QueryAttempts counts individual query attempts by final state.
	QueryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_query_attempts_total",
		Help: "Total query attempts by outcome",
	}, []string{"query", "state"})

	// SlowQueries counts executions above the slow-query threshold.
	SlowQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_slow_queries_total",
		Help: "Total query executions slower than the configured threshold",
	}, []string{"query"})

	// CacheOperations counts cache lookups and writes by tier and result.
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_cache_operations_total",
		Help: "Total query cache operations",
	}, []string{"tier", "result"})

	// CacheEntries tracks the number of entries held in the memory cache.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "registry_cache_entries",
		Help: "Number of entries in the in-memory query cache",
	})

	// RedisOperations counts Redis operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_redis_operations_total",
		Help: "Total Redis operations",
	}, []string{"operation", "status"})

	// InstanceHeartbeat tracks instance heartbeat status.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "registry_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})
)
