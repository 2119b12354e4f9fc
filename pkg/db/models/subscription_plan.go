package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/enums"
)

// SubscriptionPlan is a purchasable plan. ExternalPriceID joins it to the
// gateway's price catalog.
type SubscriptionPlan struct {
	ID              uuid.UUID          `gorm:"type:uuid;primaryKey"`
	Name            string             `gorm:"column:name;not null;uniqueIndex"`
	Price           decimal.Decimal    `gorm:"column:price;type:numeric(12,2);not null"`
	Currency        string             `gorm:"column:currency;not null;default:'usd'"`
	BillingCycle    enums.BillingCycle `gorm:"column:billing_cycle;not null;default:'monthly'"`
	ExternalPriceID *string            `gorm:"column:external_price_id;uniqueIndex"`
	IsActive        bool               `gorm:"column:is_active;not null"`
	CreatedAt       time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (SubscriptionPlan) TableName() string { return "subscription_plans" }

func (p *SubscriptionPlan) BeforeCreate(*gorm.DB) error { return assignID(&p.ID) }

// BillablePriceID returns the gateway price id, or "" when the plan was never
// wired to the gateway.
func (p *SubscriptionPlan) BillablePriceID() string {
	if p == nil || p.ExternalPriceID == nil {
		return ""
	}
	return *p.ExternalPriceID
}
