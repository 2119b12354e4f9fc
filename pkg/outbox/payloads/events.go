package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-reconciler/pkg/enums"
)

// SubscriptionActivatedEvent is emitted when a subscription first becomes
// active or its paid period is extended.
type SubscriptionActivatedEvent struct {
	SubscriptionID         uuid.UUID                `json:"subscription_id" validate:"required"`
	UserID                 uuid.UUID                `json:"user_id" validate:"required"`
	PlanID                 uuid.UUID                `json:"plan_id" validate:"required"`
	Status                 enums.SubscriptionStatus `json:"status" validate:"required"`
	ExternalSubscriptionID string                   `json:"external_subscription_id,omitempty"`
	ExpiresAt              *time.Time               `json:"expires_at,omitempty"`
	Renewal                bool                     `json:"renewal"`
}

// SubscriptionCancelledEvent is emitted on gateway deletion or admin cancel.
type SubscriptionCancelledEvent struct {
	SubscriptionID uuid.UUID  `json:"subscription_id" validate:"required"`
	UserID         uuid.UUID  `json:"user_id" validate:"required"`
	PlanID         uuid.UUID  `json:"plan_id"`
	CancelledAt    time.Time  `json:"cancelled_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// PaymentStatusEvent covers payment.completed and payment.failed.
type PaymentStatusEvent struct {
	TransactionID         uuid.UUID               `json:"transaction_id" validate:"required"`
	UserID                uuid.UUID               `json:"user_id" validate:"required"`
	SubscriptionID        *uuid.UUID              `json:"subscription_id,omitempty"`
	ExternalTransactionID string                  `json:"external_transaction_id" validate:"required"`
	Gateway               string                  `json:"gateway"`
	Amount                decimal.Decimal         `json:"amount"`
	Currency              string                  `json:"currency"`
	Status                enums.TransactionStatus `json:"status" validate:"required"`
	Type                  enums.TransactionType   `json:"type"`
	PaidAt                *time.Time              `json:"paid_at,omitempty"`
}

// CouponRedeemedEvent is emitted once per CouponUsage row.
type CouponRedeemedEvent struct {
	CouponID       uuid.UUID       `json:"coupon_id" validate:"required"`
	Code           string          `json:"code" validate:"required"`
	UserID         uuid.UUID       `json:"user_id" validate:"required"`
	TransactionID  *uuid.UUID      `json:"transaction_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	UsedAt         time.Time       `json:"used_at"`
}
