package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/angelmondragon/billing-reconciler/api/responses"
	gatewaywebhook "github.com/angelmondragon/billing-reconciler/internal/webhooks/gateway"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/gateway"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
)

const defaultMaxBodyBytes int64 = 1 << 20

type EventVerifier interface {
	Verify(payload []byte, signature string) (gateway.Event, error)
}

type EventDispatcher interface {
	Dispatch(ctx context.Context, event gateway.Event) (gatewaywebhook.Outcome, error)
}

// GatewayWebhook authenticates a gateway delivery and hands it to the
// dispatcher. Anything the dispatcher acknowledges (processed, duplicate,
// ignored, lookup miss) is a 200 so the gateway stops redelivering; only
// storage failures surface as 500.
func GatewayWebhook(verifier EventVerifier, dispatcher EventDispatcher, maxBodyBytes int64, logg *logger.Logger) http.HandlerFunc {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if verifier == nil || dispatcher == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConfiguration, "webhook pipeline unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "webhook payload too large"))
				return
			}
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "read webhook payload"))
			return
		}

		event, err := verifier.Verify(payload, gatewaywebhook.SignatureFromHeader(r.Header))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if _, err := dispatcher.Dispatch(ctx, event); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "webhook processing failed"))
			return
		}

		responses.WriteText(w, http.StatusOK, "success")
	}
}
