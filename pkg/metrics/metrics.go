package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are registered with the default registry via promauto.
var (
	// --- Store Metrics ---

	// StoreOperations counts coordination store calls by operation and result.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordkit",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Coordination store operations by operation and result",
		},
		[]string{"op", "result"},
	)

	// StoreLatency tracks coordination store round trips.
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coordkit",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Latency of coordination store operations",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"op"},
	)

	// WatchEvents counts watch notifications delivered to primitives.
	WatchEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordkit",
			Subsystem: "store",
			Name:      "watch_events_total",
			Help:      "Watch notifications delivered to primitives",
		},
		[]string{"primitive", "type"},
	)

	// --- Barrier Metrics ---

	// BarrierWait tracks time spent in enter and leave.
	BarrierWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coordkit",
			Subsystem: "barrier",
			Name:      "wait_seconds",
			Help:      "Time spent blocked in barrier phases",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"phase"},
	)

	// --- Group Metrics ---

	// GroupMembers tracks the last observed member count per group.
	GroupMembers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coordkit",
			Subsystem: "group",
			Name:      "members",
			Help:      "Live members observed by this process per group",
		},
		[]string{"group"},
	)

	// LeaderChanges counts leader changes observed per group.
	LeaderChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordkit",
			Subsystem: "group",
			Name:      "leader_changes_total",
			Help:      "Leader changes observed per group",
		},
		[]string{"group"},
	)

	// GroupMessages counts broadcast messages sent and received.
	GroupMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordkit",
			Subsystem: "group",
			Name:      "messages_total",
			Help:      "Broadcast messages by direction",
		},
		[]string{"direction"},
	)

	// PeerRequests counts peer RPCs by outcome.
	PeerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordkit",
			Subsystem: "group",
			Name:      "peer_requests_total",
			Help:      "Peer request/response exchanges by outcome",
		},
		[]string{"outcome"},
	)

	// PeerRequestDuration tracks the caller side of peer RPCs.
	PeerRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "coordkit",
			Subsystem: "group",
			Name:      "peer_request_duration_seconds",
			Help:      "Round trip time of peer requests",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18),
		},
	)

	// --- Queue Metrics ---

	// QueueEnqueued counts entries added by kind (fifo, priority).
	QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordkit",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Entries enqueued by kind",
		},
		[]string{"kind"},
	)

	// QueueDequeued counts entries successfully claimed.
	QueueDequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coordkit",
			Subsystem: "queue",
			Name:      "dequeued_total",
			Help:      "Entries claimed by this process",
		},
	)

	// QueueClaimConflicts counts candidates lost to another consumer.
	QueueClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coordkit",
			Subsystem: "queue",
			Name:      "claim_conflicts_total",
			Help:      "Dequeue candidates already claimed by another consumer",
		},
	)

	// --- Counter Metrics ---

	// CounterIncrements counts incrementAndGet calls.
	CounterIncrements = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coordkit",
			Subsystem: "counter",
			Name:      "increments_total",
			Help:      "Distributed counter increments performed by this process",
		},
	)

	// --- Janitor Metrics ---

	// JanitorDeletions counts nodes removed by the janitor.
	JanitorDeletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordkit",
			Subsystem: "janitor",
			Name:      "deletions_total",
			Help:      "Nodes removed by timed or on-close deletion",
		},
		[]string{"reason"},
	)
)

// RecordStoreOp records the result and latency of a store call.
func RecordStoreOp(op, result string, seconds float64) {
	StoreOperations.WithLabelValues(op, result).Inc()
	StoreLatency.WithLabelValues(op).Observe(seconds)
}

// RecordPeerRequest records a finished peer RPC on the caller side.
func RecordPeerRequest(outcome string, seconds float64) {
	PeerRequests.WithLabelValues(outcome).Inc()
	PeerRequestDuration.Observe(seconds)
}
