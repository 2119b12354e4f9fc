package billing

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-reconciler/api/middleware"
	"github.com/angelmondragon/billing-reconciler/api/responses"
	"github.com/angelmondragon/billing-reconciler/api/validators"
	couponsvc "github.com/angelmondragon/billing-reconciler/internal/coupons"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
)

type CouponValidator interface {
	Validate(ctx context.Context, input couponsvc.QuoteInput) (*couponsvc.Quote, error)
}

// couponValidateRequest names the plan the way coupons do, by name; plan_id
// is accepted too.
type couponValidateRequest struct {
	Code   string           `json:"code" validate:"required,max=64"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Plan   string           `json:"plan,omitempty" validate:"omitempty,max=100"`
	PlanID string           `json:"plan_id,omitempty" validate:"omitempty,uuid"`
}

type couponValidateResponse struct {
	Coupon         couponResponse `json:"coupon"`
	Amount         string         `json:"amount"`
	DiscountAmount string         `json:"discount_amount"`
	FinalAmount    string         `json:"final_amount"`
}

// CouponValidate prices a code without redeeming it. Authentication is
// optional; when present, per-user limits are checked too.
func CouponValidate(svc CouponValidator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		var payload couponValidateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		input := couponsvc.QuoteInput{Code: validators.SanitizeString(payload.Code, 64)}
		if payload.Amount != nil {
			input.Amount = *payload.Amount
		}
		if payload.PlanID != "" {
			planID, err := validators.ParseUUID("plan_id", payload.PlanID)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			input.PlanID = &planID
		}
		input.PlanName = validators.SanitizeString(payload.Plan, 100)
		if raw := middleware.UserIDFromContext(ctx); raw != "" {
			if userID, err := uuid.Parse(raw); err == nil {
				input.UserID = &userID
			}
		}

		quote, err := svc.Validate(ctx, input)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, couponValidateResponse{
			Coupon:         couponToResponse(quote.Coupon),
			Amount:         quote.Amount.StringFixed(2),
			DiscountAmount: quote.DiscountAmount.StringFixed(2),
			FinalAmount:    quote.FinalAmount.StringFixed(2),
		})
	}
}
