package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlab_webhook_events_triggered_total",
		Help: "Domain events offered to webhook subscriptions",
	}, []string{"event"})

	DeliveriesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlab_webhook_deliveries_created_total",
		Help: "Delivery records created and enqueued",
	}, []string{"event"})

	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlab_webhook_delivery_attempts_total",
		Help: "Delivery attempts by outcome",
	}, []string{"outcome"})

	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "promptlab_webhook_delivery_duration_seconds",
		Help:    "Round-trip time of outbound webhook requests",
		Buckets: prometheus.DefBuckets,
	})

	MagicLinksIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptlab_magic_links_issued_total",
		Help: "Magic links generated",
	})

	MagicLinkVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlab_magic_link_verifications_total",
		Help: "Magic link verifications by result",
	}, []string{"result"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlab_rate_limit_rejections_total",
		Help: "Requests rejected by a rate limiter",
	}, []string{"limiter"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "promptlab_webhook_circuit_breaker_state",
		Help: "Per-host breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"host"})
)
