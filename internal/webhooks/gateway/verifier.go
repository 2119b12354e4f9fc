package gatewaywebhook

import (
	"errors"
	"net/http"
	"strings"

	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/gateway"
)

// Signature headers, in lookup order.
const (
	HeaderStripeSignature = "Stripe-Signature"
	HeaderSignature       = "Signature"
)

type eventConstructor interface {
	ConstructEvent(payload []byte, signature, secret string) (gateway.Event, error)
}

// Verifier authenticates webhook deliveries. It never touches storage, so a
// rejected payload can be rejected again on redelivery.
type Verifier struct {
	events eventConstructor
	secret string
}

// NewVerifier binds the shared secret at construction. An empty secret is
// accepted here and rejected per request as a configuration error.
func NewVerifier(events eventConstructor, secret string) (*Verifier, error) {
	if events == nil {
		return nil, errors.New("event constructor required")
	}
	return &Verifier{events: events, secret: strings.TrimSpace(secret)}, nil
}

// SignatureFromHeader returns the gateway signature header value.
func SignatureFromHeader(h http.Header) string {
	if sig := h.Get(HeaderStripeSignature); sig != "" {
		return sig
	}
	return h.Get(HeaderSignature)
}

// Verify checks the signature and parses the event.
func (v *Verifier) Verify(payload []byte, signature string) (gateway.Event, error) {
	if v.secret == "" {
		return gateway.Event{}, pkgerrors.New(pkgerrors.CodeConfiguration, "webhook secret not configured")
	}
	if strings.TrimSpace(signature) == "" {
		return gateway.Event{}, pkgerrors.New(pkgerrors.CodeSignature, "missing webhook signature")
	}
	if len(payload) == 0 {
		return gateway.Event{}, pkgerrors.Wrap(pkgerrors.CodeSignature, gateway.ErrInvalidPayload, "empty webhook payload")
	}
	event, err := v.events.ConstructEvent(payload, signature, v.secret)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidPayload) {
			return gateway.Event{}, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "invalid webhook payload")
		}
		return gateway.Event{}, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "invalid webhook signature")
	}
	if event.ID == "" || event.Type == "" {
		return gateway.Event{}, pkgerrors.Wrap(pkgerrors.CodeSignature, gateway.ErrInvalidPayload, "webhook event missing id or type")
	}
	return event, nil
}
