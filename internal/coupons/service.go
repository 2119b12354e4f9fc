package coupons

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox/payloads"
)

var (
	ErrCouponNotFound  = errors.New("coupon not found")
	ErrCouponExhausted = errors.New("coupon usage limit reached")
	ErrCouponInvalid   = errors.New("coupon is not valid")
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type planGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*models.SubscriptionPlan, error)
	GetByName(ctx context.Context, name string) (*models.SubscriptionPlan, error)
}

type ServiceParams struct {
	Repo   Repository
	Tx     txRunner
	Outbox outboxPublisher
	Plans  planGetter
	Clock  func() time.Time
}

type Service struct {
	repo   Repository
	tx     txRunner
	outbox outboxPublisher
	plans  planGetter
	now    func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("coupon repository required")
	}
	if params.Tx == nil {
		return nil, errors.New("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox publisher required")
	}
	if params.Plans == nil {
		return nil, errors.New("plan catalog required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:   params.Repo,
		tx:     params.Tx,
		outbox: params.Outbox,
		plans:  params.Plans,
		now:    clock,
	}, nil
}

// NormalizeCode is the canonical form codes are stored and looked up in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Find returns the coupon or a typed NOT_FOUND error.
func (s *Service) Find(ctx context.Context, code string) (*models.Coupon, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrCouponNotFound, "coupon not found")
	}
	coupon, err := s.repo.FindByCode(ctx, normalized)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon")
	}
	if coupon == nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrCouponNotFound, "coupon not found")
	}
	return coupon, nil
}

// CanBeUsedBy applies the global checks plus the per-user limit and the
// first-time-only rule. Per-user counts come from coupon_usages rows.
func (s *Service) CanBeUsedBy(ctx context.Context, c *models.Coupon, userID uuid.UUID, now time.Time) (bool, error) {
	if !IsValid(c, now) {
		return false, nil
	}
	if c.UsageLimitPerUser != nil {
		used, err := s.repo.CountUsagesByUser(ctx, c.ID, userID)
		if err != nil {
			return false, err
		}
		if used >= int64(*c.UsageLimitPerUser) {
			return false, nil
		}
	}
	if c.FirstTimeOnly {
		used, err := s.repo.HasFirstTimeUsage(ctx, userID)
		if err != nil {
			return false, err
		}
		if used {
			return false, nil
		}
	}
	return true, nil
}

// QuoteInput describes a candidate charge. The plan (by id or name) and
// UserID are optional; when Amount is zero the plan price is used. PlanID
// wins when both are set.
type QuoteInput struct {
	Code     string
	Amount   decimal.Decimal
	PlanID   *uuid.UUID
	PlanName string
	UserID   *uuid.UUID
}

type Quote struct {
	Coupon         *models.Coupon
	Plan           *models.SubscriptionPlan
	Amount         decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
}

// Validate checks a code against an optional plan and user and prices it.
// Unknown codes are NOT_FOUND; every other rejection is a validation error
// on the code field.
func (s *Service) Validate(ctx context.Context, input QuoteInput) (*Quote, error) {
	coupon, err := s.Find(ctx, input.Code)
	if err != nil {
		return nil, err
	}
	now := s.now()

	amount := input.Amount
	var plan *models.SubscriptionPlan
	if input.PlanID != nil || strings.TrimSpace(input.PlanName) != "" {
		field := "plan"
		if input.PlanID != nil {
			field = "plan_id"
			plan, err = s.plans.Get(ctx, *input.PlanID)
		} else {
			plan, err = s.plans.GetByName(ctx, input.PlanName)
		}
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
				return nil, fieldError(field, "plan not found")
			}
			return nil, err
		}
		if !AppliesToPlan(coupon, plan.Name) {
			return nil, fieldError("code", "coupon does not apply to this plan")
		}
		if amount.IsZero() {
			amount = plan.Price
		}
	}
	if !amount.IsPositive() {
		return nil, fieldError("amount", "amount must be greater than zero")
	}
	if !IsValid(coupon, now) {
		return nil, fieldError("code", "coupon is not valid")
	}
	if input.UserID != nil {
		ok, err := s.CanBeUsedBy(ctx, coupon, *input.UserID, now)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check coupon usage")
		}
		if !ok {
			return nil, fieldError("code", "coupon cannot be used by this user")
		}
	}
	if coupon.MinimumAmount != nil && amount.LessThan(*coupon.MinimumAmount) {
		return nil, fieldError("amount", "amount is below the coupon minimum of "+coupon.MinimumAmount.StringFixed(2))
	}

	discount := CalculateDiscount(coupon, amount, now)
	return &Quote{
		Coupon:         coupon,
		Plan:           plan,
		Amount:         amount,
		DiscountAmount: discount,
		FinalAmount:    amount.Sub(discount).Round(2),
	}, nil
}

// RedeemInput identifies one redemption. TransactionID links the usage to
// the ledger row that paid for it.
type RedeemInput struct {
	Coupon        *models.Coupon
	UserID        uuid.UUID
	Amount        decimal.Decimal
	TransactionID *uuid.UUID
}

// Redeem records a usage and bumps used_count inside tx. When tx is nil a
// transaction is opened. The counter update is conditional on the global
// cap, so concurrent redemptions cannot overshoot it.
func (s *Service) Redeem(ctx context.Context, tx *gorm.DB, input RedeemInput) (*models.CouponUsage, error) {
	if tx == nil {
		var usage *models.CouponUsage
		err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			usage, err = s.Redeem(ctx, tx, input)
			return err
		})
		return usage, err
	}
	if input.Coupon == nil {
		return nil, ErrCouponInvalid
	}

	now := s.now()
	if !IsValid(input.Coupon, now) {
		return nil, ErrCouponInvalid
	}

	repo := s.repo.WithTx(tx)
	ok, err := repo.IncrementUsedCount(ctx, input.Coupon.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCouponExhausted
	}

	usage := &models.CouponUsage{
		CouponID:       input.Coupon.ID,
		UserID:         input.UserID,
		TransactionID:  input.TransactionID,
		Amount:         input.Amount.Round(2),
		DiscountAmount: CalculateDiscount(input.Coupon, input.Amount, now),
		UsedAt:         now,
	}
	if err := repo.CreateUsage(ctx, usage); err != nil {
		return nil, err
	}
	input.Coupon.UsedCount++

	userID := input.UserID
	err = s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventCouponRedeemed,
		AggregateType: enums.AggregateCoupon,
		AggregateID:   input.Coupon.ID,
		Actor:         &outbox.ActorRef{UserID: &userID, Source: outbox.SourceWebhook},
		OccurredAt:    now,
		Data: payloads.CouponRedeemedEvent{
			CouponID:       input.Coupon.ID,
			Code:           input.Coupon.Code,
			UserID:         input.UserID,
			TransactionID:  input.TransactionID,
			Amount:         usage.Amount,
			DiscountAmount: usage.DiscountAmount,
			UsedAt:         now,
		},
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// RedeemCode loads the coupon by code inside tx and redeems it. A code that
// no longer exists is a typed NOT_FOUND.
func (s *Service) RedeemCode(ctx context.Context, tx *gorm.DB, code string, input RedeemInput) (*models.CouponUsage, error) {
	coupon, err := s.repo.WithTx(tx).FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, err
	}
	if coupon == nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrCouponNotFound, "coupon not found")
	}
	input.Coupon = coupon
	return s.Redeem(ctx, tx, input)
}

// CreateInput is the operator shape of a new coupon.
type CreateInput struct {
	Code              string
	Type              enums.CouponType
	Value             decimal.Decimal
	MinimumAmount     *decimal.Decimal
	MaximumDiscount   *decimal.Decimal
	UsageLimit        *int
	UsageLimitPerUser *int
	ValidFrom         *time.Time
	ValidUntil        *time.Time
	ApplicablePlans   []string
	FirstTimeOnly     bool
}

func (s *Service) Create(ctx context.Context, input CreateInput) (*models.Coupon, error) {
	details := map[string]string{}
	code := NormalizeCode(input.Code)
	if code == "" {
		details["code"] = "is required"
	}
	if !input.Type.IsValid() {
		details["type"] = "must be percentage, fixed_amount or free_trial"
	}
	if input.Type != enums.CouponTypeFreeTrial && !input.Value.IsPositive() {
		details["value"] = "must be greater than zero"
	}
	if input.Type == enums.CouponTypePercentage && input.Value.GreaterThan(hundred) {
		details["value"] = "percentage cannot exceed 100"
	}
	if input.ValidFrom != nil && input.ValidUntil != nil && input.ValidUntil.Before(*input.ValidFrom) {
		details["valid_until"] = "must not precede valid_from"
	}
	if input.UsageLimit != nil && *input.UsageLimit <= 0 {
		details["usage_limit"] = "must be positive"
	}
	if input.UsageLimitPerUser != nil && *input.UsageLimitPerUser <= 0 {
		details["usage_limit_per_user"] = "must be positive"
	}
	if len(details) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid coupon").WithDetails(details)
	}

	existing, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon")
	}
	if existing != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "coupon code already exists")
	}

	coupon := &models.Coupon{
		Code:              code,
		Type:              input.Type,
		Value:             input.Value.Round(2),
		MinimumAmount:     input.MinimumAmount,
		MaximumDiscount:   input.MaximumDiscount,
		UsageLimit:        input.UsageLimit,
		UsageLimitPerUser: input.UsageLimitPerUser,
		ValidFrom:         input.ValidFrom,
		ValidUntil:        input.ValidUntil,
		ApplicablePlans:   input.ApplicablePlans,
		FirstTimeOnly:     input.FirstTimeOnly,
		IsActive:          true,
	}
	if err := s.repo.Create(ctx, coupon); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create coupon")
	}
	return coupon, nil
}

func fieldError(field, msg string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, msg).WithDetails(map[string]string{field: msg})
}
