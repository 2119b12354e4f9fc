package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/enums"
)

// Subscription is one checkout attempt for a plan. A user accumulates rows over
// time; rows are never hard-deleted.
type Subscription struct {
	ID                     uuid.UUID                `gorm:"type:uuid;primaryKey"`
	UserID                 uuid.UUID                `gorm:"column:user_id;type:uuid;not null;index"`
	PlanID                 uuid.UUID                `gorm:"column:plan_id;type:uuid;not null;index"`
	Status                 enums.SubscriptionStatus `gorm:"column:status;not null;default:'pending'"`
	ExternalSubscriptionID *string                  `gorm:"column:external_subscription_id;uniqueIndex"`
	StartedAt              *time.Time               `gorm:"column:started_at"`
	ExpiresAt              *time.Time               `gorm:"column:expires_at"`
	PeriodProvisional      bool                     `gorm:"column:period_provisional;not null;default:false"`
	CancelledAt            *time.Time               `gorm:"column:cancelled_at"`
	Amount                 decimal.Decimal          `gorm:"column:amount;type:numeric(12,2);not null"`
	BillingCycle           enums.BillingCycle       `gorm:"column:billing_cycle;not null"`
	AutoRenew              bool                     `gorm:"column:auto_renew;not null"`
	Notes                  *string                  `gorm:"column:notes"`
	CreatedAt              time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *Subscription) BeforeCreate(*gorm.DB) error { return assignID(&s.ID) }

// ExternalID returns the gateway subscription id or "" while unconfirmed.
func (s *Subscription) ExternalID() string {
	if s == nil || s.ExternalSubscriptionID == nil {
		return ""
	}
	return *s.ExternalSubscriptionID
}
