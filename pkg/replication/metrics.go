package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// messagesSent counts outbound messages.
	// Labels: kind (delta_update, state_snapshot, deleted, sync_request), result (success, error)
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudstate",
		Subsystem: "replication",
		Name:      "messages_sent_total",
		Help:      "Replication messages sent to peers",
	}, []string{"kind", "result"})

	// messagesReceived counts inbound messages.
	// Labels: kind, result (applied, bootstrapped, dropped, error)
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudstate",
		Subsystem: "replication",
		Name:      "messages_received_total",
		Help:      "Replication messages received from peers",
	}, []string{"kind", "result"})

	// deltasDropped counts inbound deltas that were not applied.
	// Labels: reason (tombstoned, unmergeable, invalid)
	deltasDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudstate",
		Subsystem: "replication",
		Name:      "deltas_dropped_total",
		Help:      "Inbound deltas and snapshots dropped",
	}, []string{"reason"})

	outboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudstate",
		Subsystem: "replication",
		Name:      "outbox_depth",
		Help:      "Published changes waiting to be sent to peers",
	})

	payloadBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cloudstate",
		Subsystem: "replication",
		Name:      "payload_bytes",
		Help:      "Size of outbound CRDT payloads",
		Buckets:   prometheus.ExponentialBuckets(32, 4, 8),
	}, []string{"kind"})
)
