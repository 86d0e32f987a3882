// Package metrics defines the Hub's Prometheus instrumentation, under
// the "cauce" namespace, mirroring buckley's package-level promauto var
// block convention (pkg/acp/observability/metrics.go).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Subscription metrics.
	SubscriptionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cauce",
			Subsystem: "subscription",
			Name:      "created_total",
			Help:      "Total number of subscriptions created",
		},
		[]string{"status", "transport"},
	)

	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cauce",
			Subsystem: "subscription",
			Name:      "active",
			Help:      "Number of currently active subscriptions",
		},
	)

	SubscriptionStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cauce",
			Subsystem: "subscription",
			Name:      "state_transitions_total",
			Help:      "Total number of subscription state transitions",
		},
		[]string{"from", "to"},
	)

	// Delivery metrics.
	DeliveriesTracked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cauce",
			Subsystem: "delivery",
			Name:      "tracked_total",
			Help:      "Total number of deliveries tracked",
		},
	)

	DeliveriesAcknowledged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cauce",
			Subsystem: "delivery",
			Name:      "acknowledged_total",
			Help:      "Total number of deliveries acknowledged",
		},
	)

	DeliveriesRedelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cauce",
			Subsystem: "delivery",
			Name:      "redelivered_total",
			Help:      "Total number of redelivery attempts",
		},
	)

	DeliveriesDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cauce",
			Subsystem: "delivery",
			Name:      "dead_lettered_total",
			Help:      "Total number of deliveries moved to dead letter",
		},
	)

	DeliveryAttemptLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cauce",
			Subsystem: "delivery",
			Name:      "attempt_latency_seconds",
			Help:      "Time between a delivery's first attempt and its acknowledgment",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// Fanout metrics.
	FanoutSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cauce",
			Subsystem: "fanout",
			Name:      "sent_total",
			Help:      "Total number of signals handed to a live connection",
		},
	)

	FanoutBackpressureDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cauce",
			Subsystem: "fanout",
			Name:      "backpressure_drops_total",
			Help:      "Total number of sends dropped due to a full outbound channel",
		},
	)

	FanoutActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cauce",
			Subsystem: "fanout",
			Name:      "connections_active",
			Help:      "Number of sessions with a live outbound channel registered",
		},
	)

	// Transport metrics.
	TransportConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cauce",
			Subsystem: "transport",
			Name:      "connections_active",
			Help:      "Number of currently active connections per transport",
		},
		[]string{"transport"},
	)

	TransportRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cauce",
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Total number of JSON-RPC requests handled, by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	WebhookDeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cauce",
			Subsystem: "transport",
			Name:      "webhook_attempts_total",
			Help:      "Total number of outbound-callback delivery attempts",
		},
		[]string{"outcome"},
	)

	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cauce",
			Subsystem: "transport",
			Name:      "rate_limit_rejections_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
	)
)
