package enums

// OutboxAggregateType is the aggregate_type column of outbox_events.
type OutboxAggregateType string

const (
	AggregateSubscription       OutboxAggregateType = "subscription"
	AggregatePaymentTransaction OutboxAggregateType = "payment_transaction"
	AggregateCoupon             OutboxAggregateType = "coupon"
)

// OutboxEventType is the event_type column of outbox_events. Each type
// belongs to exactly one aggregate.
type OutboxEventType string

const (
	EventSubscriptionActivated OutboxEventType = "subscription.activated"
	EventSubscriptionCancelled OutboxEventType = "subscription.cancelled"
	EventPaymentCompleted      OutboxEventType = "payment.completed"
	EventPaymentFailed         OutboxEventType = "payment.failed"
	EventCouponRedeemed        OutboxEventType = "coupon.redeemed"
)

var eventAggregates = map[OutboxEventType]OutboxAggregateType{
	EventSubscriptionActivated: AggregateSubscription,
	EventSubscriptionCancelled: AggregateSubscription,
	EventPaymentCompleted:      AggregatePaymentTransaction,
	EventPaymentFailed:         AggregatePaymentTransaction,
	EventCouponRedeemed:        AggregateCoupon,
}

func (e OutboxEventType) IsValid() bool {
	_, ok := eventAggregates[e]
	return ok
}

// Aggregate returns the owning aggregate, or "" for an unknown type.
func (e OutboxEventType) Aggregate() OutboxAggregateType {
	return eventAggregates[e]
}

// OutboxDLQErrorReason records why a row was dead-lettered.
type OutboxDLQErrorReason string

const (
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

func (r OutboxDLQErrorReason) IsValid() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonNonRetryable
}
