package subscriptions

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-reconciler/api/middleware"
	"github.com/angelmondragon/billing-reconciler/api/responses"
	subsvc "github.com/angelmondragon/billing-reconciler/internal/subscriptions"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
)

type CurrentReader interface {
	Current(ctx context.Context, userID uuid.UUID) (*subsvc.CurrentView, error)
}

// SubscriptionCurrent returns the caller's current subscription with the
// entitlement evaluated now. Clients gate access on entitled, not status.
func SubscriptionCurrent(svc CurrentReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		userID, err := uuid.Parse(middleware.UserIDFromContext(ctx))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			return
		}

		view, err := svc.Current(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, currentSubscriptionResponse{
			Subscription: newSubscriptionResponse(view.Subscription),
			Entitled:     view.Entitled,
		})
	}
}
