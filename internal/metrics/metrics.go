package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks successful cache lookups
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilient_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"store"},
	)

	// CacheMisses tracks lookups that found nothing or an expired entry
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilient_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"store"},
	)

	// CacheEvictions tracks entries removed under capacity pressure
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilient_cache_evictions_total",
			Help: "Total number of capacity-driven cache evictions",
		},
		[]string{"store"},
	)

	// CacheSizeBytes tracks the estimated size of all cached entries
	CacheSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilient_cache_size_bytes",
			Help: "Estimated size of cached entries in bytes",
		},
		[]string{"store"},
	)

	// ErrorsTotal tracks classified failures
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilient_errors_total",
			Help: "Total number of classified errors",
		},
		[]string{"category", "severity"},
	)

	// RetryAttempts tracks retries issued after a retryable failure
	RetryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resilient_retry_attempts_total",
			Help: "Total number of retry attempts",
		},
	)

	// Recovered tracks operations that succeeded after at least one retry
	Recovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resilient_recovered_total",
			Help: "Total number of operations recovered by retrying",
		},
	)

	// BreakerState tracks circuit breaker state per service key (0 closed, 1 half-open, 2 open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilient_circuit_breaker_state",
			Help: "Circuit breaker state per service key",
		},
		[]string{"service"},
	)

	// RequestsTotal tracks engine requests by outcome
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilient_requests_total",
			Help: "Total number of engine requests",
		},
		[]string{"method", "outcome"},
	)

	// TransportLatency tracks the latency of individual transport calls
	TransportLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resilient_transport_latency_seconds",
			Help:    "Transport call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// RateLimitWait tracks time spent waiting for a rate limit slot
	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resilient_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limit slot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// OfflineQueueSize tracks requests held while offline
	OfflineQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilient_offline_queue_size",
			Help: "Number of requests queued while offline",
		},
	)

	// BatchGroups tracks processed batch groups by execution mode
	BatchGroups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilient_batch_groups_total",
			Help: "Total number of processed batch groups",
		},
		[]string{"mode"},
	)

	// InFlightRequests tracks distinct transport executions in progress
	InFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilient_in_flight_requests",
			Help: "Number of deduplicated requests currently executing",
		},
	)

	// RateLimitOccupancy tracks admissions inside the current window
	RateLimitOccupancy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilient_rate_limit_occupancy",
			Help: "Admitted calls within the sliding rate limit window",
		},
	)

	// Online reports connectivity (1 online, 0 offline)
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilient_online",
			Help: "Connectivity state as seen by the engine",
		},
	)
)
