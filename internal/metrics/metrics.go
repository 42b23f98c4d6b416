package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Chunker metrics
	ThoughtsEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatflow_thoughts_emitted_total",
			Help: "Thoughts claimed and handed to the dispatcher",
		},
	)

	ClaimsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatflow_claims_lost_total",
			Help: "Thought claims lost to another process (expected race outcome)",
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_store_errors_total",
			Help: "Session store operations that failed after retries",
		},
		[]string{"op"}, // "claim", "append", "read"
	)

	// Dispatch metrics
	JobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatflow_jobs_enqueued_total",
			Help: "Thought-processing jobs submitted to the queue",
		},
	)

	StaleResultsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatflow_stale_results_dropped_total",
			Help: "Job results discarded because a newer thought superseded them",
		},
	)

	BackendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatflow_backend_failures_total",
			Help: "LLM backend calls that exhausted retries",
		},
	)

	// Send queue metrics
	SegmentsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatflow_segments_delivered_total",
			Help: "Reply segments delivered to the transport",
		},
	)

	RepliesCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatflow_replies_cancelled_total",
			Help: "Pending replies cancelled before completion",
		},
	)

	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_delivery_failures_total",
			Help: "Segment deliveries rejected by the transport",
		},
		[]string{"kind"}, // "transient" or "unreachable"
	)
)
