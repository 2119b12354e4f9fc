package coupons

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
)

var hundred = decimal.NewFromInt(100)

// IsValid reports whether the coupon is active, inside its validity window
// and below its global usage cap at now.
func IsValid(c *models.Coupon, now time.Time) bool {
	if c == nil || !c.IsActive {
		return false
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return false
	}
	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return false
	}
	return true
}

// CalculateDiscount returns the discount the coupon grants on amount.
// The result never exceeds amount and is rounded to cents once, at the end.
func CalculateDiscount(c *models.Coupon, amount decimal.Decimal, now time.Time) decimal.Decimal {
	if !IsValid(c, now) || !amount.IsPositive() {
		return decimal.Zero
	}
	if c.MinimumAmount != nil && amount.LessThan(*c.MinimumAmount) {
		return decimal.Zero
	}

	var discount decimal.Decimal
	switch c.Type {
	case enums.CouponTypePercentage:
		discount = amount.Mul(c.Value).Div(hundred)
	case enums.CouponTypeFixedAmount:
		discount = c.Value
	case enums.CouponTypeFreeTrial:
		discount = amount
	default:
		return decimal.Zero
	}

	if c.MaximumDiscount != nil && discount.GreaterThan(*c.MaximumDiscount) {
		discount = *c.MaximumDiscount
	}
	if discount.GreaterThan(amount) {
		discount = amount
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	return discount.Round(2)
}

// AppliesToPlan is true when the coupon is unrestricted or lists planName.
func AppliesToPlan(c *models.Coupon, planName string) bool {
	if c == nil {
		return false
	}
	if len(c.ApplicablePlans) == 0 {
		return true
	}
	for _, name := range c.ApplicablePlans {
		if name == planName {
			return true
		}
	}
	return false
}
