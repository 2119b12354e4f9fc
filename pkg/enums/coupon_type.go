package enums

// CouponType decides how a coupon's value is applied to a charge.
type CouponType string

const (
	CouponTypePercentage  CouponType = "percentage"
	CouponTypeFixedAmount CouponType = "fixed_amount"
	CouponTypeFreeTrial   CouponType = "free_trial"
)

var couponTypes = values[CouponType]{CouponTypePercentage, CouponTypeFixedAmount, CouponTypeFreeTrial}

func (c CouponType) String() string { return string(c) }
func (c CouponType) IsValid() bool  { return couponTypes.contains(c) }

func ParseCouponType(raw string) (CouponType, error) {
	return couponTypes.parse("coupon type", raw)
}
