package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/billing-reconciler/internal/coupons"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
)

type couponFlags struct {
	code, kind, value     string
	minimum, maximum      string
	usageLimit, perUser   int
	validFrom, validUntil string
	plans                 []string
	firstTimeOnly         bool
}

func (f couponFlags) input() (coupons.CreateInput, error) {
	kind, err := enums.ParseCouponType(f.kind)
	if err != nil {
		return coupons.CreateInput{}, err
	}
	value, err := decimal.NewFromString(f.value)
	if err != nil {
		return coupons.CreateInput{}, fmt.Errorf("invalid --value %q: %w", f.value, err)
	}
	input := coupons.CreateInput{
		Code:            f.code,
		Type:            kind,
		Value:           value,
		ApplicablePlans: f.plans,
		FirstTimeOnly:   f.firstTimeOnly,
	}
	if input.MinimumAmount, err = optionalDecimal("minimum", f.minimum); err != nil {
		return coupons.CreateInput{}, err
	}
	if input.MaximumDiscount, err = optionalDecimal("maximum-discount", f.maximum); err != nil {
		return coupons.CreateInput{}, err
	}
	if f.usageLimit > 0 {
		limit := f.usageLimit
		input.UsageLimit = &limit
	}
	if f.perUser > 0 {
		limit := f.perUser
		input.UsageLimitPerUser = &limit
	}
	if input.ValidFrom, err = optionalTime("valid-from", f.validFrom); err != nil {
		return coupons.CreateInput{}, err
	}
	if input.ValidUntil, err = optionalTime("valid-until", f.validUntil); err != nil {
		return coupons.CreateInput{}, err
	}
	return input, nil
}

func optionalDecimal(flag, raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: %w", flag, raw, err)
	}
	return &d, nil
}

func optionalTime(flag, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q, use RFC3339: %w", flag, raw, err)
	}
	t = t.UTC()
	return &t, nil
}

func newCouponsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coupons",
		Short: "Manage discount codes",
	}
	cmd.AddCommand(newCouponsCreateCmd(a))
	return cmd
}

func newCouponsCreateCmd(a *app) *cobra.Command {
	var f couponFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a coupon",
		Example: `  billingctl coupons create --code SAVE10 --type percentage --value 10
  billingctl coupons create --code WELCOME --type fixed_amount --value 5 --first-time-only --per-user 1`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			input, err := f.input()
			if err != nil {
				return err
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			coupon, err := svc.coupons.Create(cmd.Context(), input)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{
				"id":    coupon.ID.String(),
				"code":  coupon.Code,
				"type":  coupon.Type,
				"value": coupon.Value.StringFixed(2),
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.code, "code", "", "coupon code")
	flags.StringVar(&f.kind, "type", string(enums.CouponTypePercentage), "percentage, fixed_amount or free_trial")
	flags.StringVar(&f.value, "value", "0", "percent or amount off")
	flags.StringVar(&f.minimum, "minimum", "", "minimum order amount")
	flags.StringVar(&f.maximum, "maximum-discount", "", "cap on the discount")
	flags.IntVar(&f.usageLimit, "usage-limit", 0, "total redemptions allowed (0 = unlimited)")
	flags.IntVar(&f.perUser, "per-user", 0, "redemptions allowed per user (0 = unlimited)")
	flags.StringVar(&f.validFrom, "valid-from", "", "RFC3339 start time")
	flags.StringVar(&f.validUntil, "valid-until", "", "RFC3339 end time")
	flags.StringSliceVar(&f.plans, "plan", nil, "restrict to plan id (repeatable)")
	flags.BoolVar(&f.firstTimeOnly, "first-time-only", false, "only users without a completed payment")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}
