// Package metrics provides Prometheus metrics for voice sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voicelink"

// Status constants for metric labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// messagesSentTotal counts outbound wire messages by type and status.
	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of wire messages sent",
		},
		[]string{"type", "status"},
	)

	// messagesReceivedTotal counts inbound wire messages by type.
	messagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of wire messages received",
		},
		[]string{"type"},
	)

	// messagesQueuedTotal counts messages queued while disconnected.
	messagesQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_queued_total",
			Help:      "Total number of wire messages queued while disconnected",
		},
		[]string{"type"},
	)

	// outboundQueueDepth is the current number of queued messages.
	outboundQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Number of wire messages waiting for reconnection",
		},
	)

	// reconnectsTotal counts reconnection attempts by outcome.
	reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of reconnection attempts",
		},
		[]string{"status"},
	)

	// utteranceDuration is a histogram of detected speech durations.
	utteranceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Histogram of detected speech durations in seconds",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)

	// playbackItemsTotal counts rendered playback items by status.
	playbackItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_items_total",
			Help:      "Total number of playback queue items",
		},
		[]string{"status"},
	)

	// sessionCost is the accumulated session cost in USD.
	sessionCost = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_cost_usd",
			Help:      "Accumulated session cost in USD",
		},
	)

	// budgetRemaining is the remaining session budget in USD.
	budgetRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_remaining_usd",
			Help:      "Remaining session budget in USD",
		},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		messagesSentTotal,
		messagesReceivedTotal,
		messagesQueuedTotal,
		outboundQueueDepth,
		reconnectsTotal,
		utteranceDuration,
		playbackItemsTotal,
		sessionCost,
		budgetRemaining,
	}
)

// RecordMessageSent records an outbound message.
func RecordMessageSent(msgType, status string) {
	messagesSentTotal.WithLabelValues(msgType, status).Inc()
}

// RecordMessageReceived records an inbound message.
func RecordMessageReceived(msgType string) {
	messagesReceivedTotal.WithLabelValues(msgType).Inc()
}

// RecordMessageQueued records a message queued for reconnection.
func RecordMessageQueued(msgType string) {
	messagesQueuedTotal.WithLabelValues(msgType).Inc()
}

// SetOutboundQueueDepth sets the current queue depth.
func SetOutboundQueueDepth(depth int) {
	outboundQueueDepth.Set(float64(depth))
}

// RecordReconnect records the outcome of a reconnection attempt.
func RecordReconnect(status string) {
	reconnectsTotal.WithLabelValues(status).Inc()
}

// RecordUtterance records the duration of a detected utterance.
func RecordUtterance(durationSeconds float64) {
	utteranceDuration.Observe(durationSeconds)
}

// RecordPlaybackItem records a rendered playback item.
func RecordPlaybackItem(status string) {
	playbackItemsTotal.WithLabelValues(status).Inc()
}

// SetSessionCost updates the cost gauges.
func SetSessionCost(cost, remaining float64) {
	sessionCost.Set(cost)
	budgetRemaining.Set(remaining)
}
