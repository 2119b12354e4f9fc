package billing

import (
	"context"
	"net/http"

	"github.com/angelmondragon/billing-reconciler/api/responses"
	"github.com/angelmondragon/billing-reconciler/api/validators"
	checkoutsvc "github.com/angelmondragon/billing-reconciler/internal/checkout"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
)

type CheckoutInitiator interface {
	Initiate(ctx context.Context, input checkoutsvc.Input) (*checkoutsvc.Result, error)
}

type checkoutRequest struct {
	PlanID     string `json:"plan_id" validate:"required,uuid"`
	SuccessURL string `json:"success_url,omitempty" validate:"omitempty,max=2048"`
	CancelURL  string `json:"cancel_url,omitempty" validate:"omitempty,max=2048"`
	CouponCode string `json:"coupon_code,omitempty" validate:"omitempty,max=64"`
}

// Checkout opens a gateway checkout session for the caller. Responses use
// the flat success/message shape, not the data envelope.
func Checkout(svc CheckoutInitiator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteFlagError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteFlagError(ctx, logg, w, err)
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteFlagError(ctx, logg, w, err)
			return
		}
		planID, err := validators.ParseUUID("plan_id", payload.PlanID)
		if err != nil {
			responses.WriteFlagError(ctx, logg, w, err)
			return
		}

		result, err := svc.Initiate(ctx, checkoutsvc.Input{
			UserID:     userID,
			PlanID:     planID,
			SuccessURL: payload.SuccessURL,
			CancelURL:  payload.CancelURL,
			CouponCode: validators.SanitizeString(payload.CouponCode, 64),
		})
		if err != nil {
			responses.WriteFlagError(ctx, logg, w, err)
			return
		}

		responses.WriteJSON(w, http.StatusOK, result)
	}
}
