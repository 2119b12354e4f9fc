package coupons

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func decPtr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func intPtr(v int) *int { return &v }

func TestIsValid(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	tests := []struct {
		name   string
		coupon models.Coupon
		want   bool
	}{
		{name: "active without limits", coupon: models.Coupon{IsActive: true}, want: true},
		{name: "inactive", coupon: models.Coupon{IsActive: false}, want: false},
		{name: "not started", coupon: models.Coupon{IsActive: true, ValidFrom: &after}, want: false},
		{name: "ended", coupon: models.Coupon{IsActive: true, ValidUntil: &before}, want: false},
		{name: "inside window", coupon: models.Coupon{IsActive: true, ValidFrom: &before, ValidUntil: &after}, want: true},
		{name: "cap reached", coupon: models.Coupon{IsActive: true, UsageLimit: intPtr(3), UsedCount: 3}, want: false},
		{name: "below cap", coupon: models.Coupon{IsActive: true, UsageLimit: intPtr(3), UsedCount: 2}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.coupon
			assert.Equal(t, tt.want, IsValid(&c, now))
		})
	}
	assert.False(t, IsValid(nil, now))
}

func TestCalculateDiscount(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)

	tests := []struct {
		name   string
		coupon models.Coupon
		amount string
		want   string
	}{
		{
			name:   "percentage",
			coupon: models.Coupon{IsActive: true, Type: enums.CouponTypePercentage, Value: dec("20")},
			amount: "100.00",
			want:   "20",
		},
		{
			name:   "percentage capped by maximum discount",
			coupon: models.Coupon{IsActive: true, Type: enums.CouponTypePercentage, Value: dec("50"), MaximumDiscount: decPtr("15")},
			amount: "100.00",
			want:   "15",
		},
		{
			name:   "fixed amount never exceeds charge",
			coupon: models.Coupon{IsActive: true, Type: enums.CouponTypeFixedAmount, Value: dec("30")},
			amount: "19.99",
			want:   "19.99",
		},
		{
			name:   "fixed amount",
			coupon: models.Coupon{IsActive: true, Type: enums.CouponTypeFixedAmount, Value: dec("5")},
			amount: "19.99",
			want:   "5",
		},
		{
			name:   "free trial covers whole charge",
			coupon: models.Coupon{IsActive: true, Type: enums.CouponTypeFreeTrial},
			amount: "49.99",
			want:   "49.99",
		},
		{
			name:   "below minimum amount",
			coupon: models.Coupon{IsActive: true, Type: enums.CouponTypeFixedAmount, Value: dec("10"), MinimumAmount: decPtr("50")},
			amount: "40",
			want:   "0",
		},
		{
			name:   "at minimum amount",
			coupon: models.Coupon{IsActive: true, Type: enums.CouponTypeFixedAmount, Value: dec("10"), MinimumAmount: decPtr("50")},
			amount: "50",
			want:   "10",
		},
		{
			name:   "invalid coupon",
			coupon: models.Coupon{IsActive: true, Type: enums.CouponTypePercentage, Value: dec("10"), ValidUntil: &past},
			amount: "100",
			want:   "0",
		},
		{
			name:   "rounds half up once",
			coupon: models.Coupon{IsActive: true, Type: enums.CouponTypePercentage, Value: dec("12.5")},
			amount: "0.36",
			want:   "0.05",
		},
		{
			name:   "rounds fractional percentage",
			coupon: models.Coupon{IsActive: true, Type: enums.CouponTypePercentage, Value: dec("15")},
			amount: "9.99",
			want:   "1.5",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.coupon
			got := CalculateDiscount(&c, dec(tt.amount), now)
			assert.True(t, got.Equal(dec(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestAppliesToPlan(t *testing.T) {
	open := &models.Coupon{}
	restricted := &models.Coupon{ApplicablePlans: []string{"Pro", "Team"}}

	assert.True(t, AppliesToPlan(open, "Basic"))
	assert.True(t, AppliesToPlan(restricted, "Team"))
	assert.False(t, AppliesToPlan(restricted, "Basic"))
	assert.False(t, AppliesToPlan(nil, "Pro"))
}
