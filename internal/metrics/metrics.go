// Package metrics holds the Prometheus collectors of the reconciliation
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reconciler",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// CommissionOutcomesTotal counts invoice-paid evaluations by outcome.
	CommissionOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Name:      "commission_outcomes_total",
		Help:      "Commission engine evaluations by outcome.",
	}, []string{"outcome"})

	// CommissionCentsTotal sums the value of created commissions.
	CommissionCentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reconciler",
		Name:      "commission_cents_total",
		Help:      "Total commission value created, in cents.",
	})

	// SubscriptionProjectionsTotal counts subscription writes by kind and status.
	SubscriptionProjectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Name:      "subscription_projections_total",
		Help:      "Subscription projections by event kind and resulting status.",
	}, []string{"kind", "status"})

	// NotificationsTotal counts notification deliveries by kind and result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Name:      "notifications_total",
		Help:      "Notification deliveries by kind and result.",
	}, []string{"kind", "result"})
)
