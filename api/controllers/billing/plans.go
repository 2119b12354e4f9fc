package billing

import (
	"context"
	"net/http"

	"github.com/angelmondragon/billing-reconciler/api/responses"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
)

type PlanLister interface {
	ListActive(ctx context.Context) ([]models.SubscriptionPlan, error)
}

// PublicPlansList serves the active catalog to unauthenticated clients.
// The response is cacheable for a minute; plan edits go through billingctl
// and are rare.
func PublicPlansList(svc PlanLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan catalog unavailable"))
			return
		}
		active, err := svc.ListActive(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=60")
		responses.WriteSuccess(w, planListResponse{Plans: plansToResponse(active)})
	}
}
