package billing

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-reconciler/api/middleware"
	"github.com/angelmondragon/billing-reconciler/api/responses"
	"github.com/angelmondragon/billing-reconciler/api/validators"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
)

type TransactionLister interface {
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.PaymentTransaction, error)
}

// TransactionsList returns the caller's ledger rows, newest first.
func TransactionsList(svc TransactionLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment ledger unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		limit, err := validators.QueryInt(r, "limit", validators.PageLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		rows, err := svc.ListForUser(ctx, userID, limit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		out := make([]transactionResponse, 0, len(rows))
		for i := range rows {
			out = append(out, transactionToResponse(&rows[i]))
		}
		responses.WriteSuccess(w, transactionListResponse{Transactions: out})
	}
}

func callerID(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id")
	}
	return id, nil
}
