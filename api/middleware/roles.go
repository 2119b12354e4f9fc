package middleware

import (
	"net/http"

	"github.com/angelmondragon/billing-reconciler/api/responses"
	pkgAuth "github.com/angelmondragon/billing-reconciler/pkg/auth"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
)

// RequireRole admits only callers holding role. Requests with no caller at
// all get 401 so a missing Auth in the chain is obvious.
func RequireRole(role pkgAuth.Role, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFromContext(r.Context())
			switch {
			case !ok:
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			case caller.Role != role:
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, string(role)+" role required"))
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func RequireAdmin(logg *logger.Logger) func(http.Handler) http.Handler {
	return RequireRole(pkgAuth.RoleAdmin, logg)
}
