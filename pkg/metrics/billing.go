package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Webhook outcomes.
const (
	OutcomeProcessed  = "processed"
	OutcomeDuplicate  = "duplicate"
	OutcomeIgnored    = "ignored"
	OutcomeLookupMiss = "lookup_miss"
	OutcomeError      = "error"
)

// Checkout outcomes.
const (
	CheckoutCreated        = "created"
	CheckoutRejected       = "rejected"
	CheckoutGatewayFailure = "gateway_failure"
	CheckoutError          = "error"
)

// BillingMetrics counts webhook deliveries and checkout attempts.
type BillingMetrics struct {
	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	checkouts       *prometheus.CounterVec
	redemptions     *prometheus.CounterVec
}

// NewBillingMetrics registers the billing collectors. A nil registerer yields
// a no-op recorder.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Gateway webhook events by type and outcome.",
	}, []string{"type", "outcome"})
	webhookDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_webhook_duration_seconds",
		Help:    "Time spent dispatching gateway webhook events.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
	checkouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_checkout_sessions_total",
		Help: "Checkout session attempts by outcome.",
	}, []string{"outcome"})
	redemptions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_coupon_redemptions_total",
		Help: "Coupon redemptions at payment completion by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(webhookEvents, webhookDuration, checkouts, redemptions)
	return &BillingMetrics{
		webhookEvents:   webhookEvents,
		webhookDuration: webhookDuration,
		checkouts:       checkouts,
		redemptions:     redemptions,
	}
}

func (m *BillingMetrics) ObserveWebhook(eventType, outcome string, duration time.Duration) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	eventType = normalizeLabel(eventType)
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
	m.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *BillingMetrics) IncCheckout(outcome string) {
	if m == nil || m.checkouts == nil {
		return
	}
	m.checkouts.WithLabelValues(outcome).Inc()
}

func (m *BillingMetrics) IncRedemption(outcome string) {
	if m == nil || m.redemptions == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}
