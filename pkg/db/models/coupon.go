package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/enums"
)

// Coupon is a discount code. UsedCount is a denormalized counter; per-user
// limits are always checked against CouponUsage rows.
type Coupon struct {
	ID                uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Code              string           `gorm:"column:code;not null;uniqueIndex"`
	Type              enums.CouponType `gorm:"column:type;not null"`
	Value             decimal.Decimal  `gorm:"column:value;type:numeric(12,2);not null"`
	MinimumAmount     *decimal.Decimal `gorm:"column:minimum_amount;type:numeric(12,2)"`
	MaximumDiscount   *decimal.Decimal `gorm:"column:maximum_discount;type:numeric(12,2)"`
	UsageLimit        *int             `gorm:"column:usage_limit"`
	UsageLimitPerUser *int             `gorm:"column:usage_limit_per_user"`
	ValidFrom         *time.Time       `gorm:"column:valid_from"`
	ValidUntil        *time.Time       `gorm:"column:valid_until"`
	ApplicablePlans   []string         `gorm:"column:applicable_plans;type:jsonb;serializer:json"`
	FirstTimeOnly     bool             `gorm:"column:first_time_only;not null;default:false"`
	UsedCount         int              `gorm:"column:used_count;not null;default:0"`
	IsActive          bool             `gorm:"column:is_active;not null"`
	CreatedAt         time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *Coupon) BeforeCreate(*gorm.DB) error { return assignID(&c.ID) }

// CouponUsage records a single redemption.
type CouponUsage struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey"`
	CouponID       uuid.UUID       `gorm:"column:coupon_id;type:uuid;not null;index"`
	UserID         uuid.UUID       `gorm:"column:user_id;type:uuid;not null;index"`
	TransactionID  *uuid.UUID      `gorm:"column:transaction_id;type:uuid"`
	Amount         decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	DiscountAmount decimal.Decimal `gorm:"column:discount_amount;type:numeric(12,2);not null"`
	UsedAt         time.Time       `gorm:"column:used_at;not null"`
}

func (u *CouponUsage) BeforeCreate(*gorm.DB) error { return assignID(&u.ID) }
