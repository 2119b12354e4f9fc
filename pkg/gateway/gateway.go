// Package gateway defines the single seam between the billing engine and the
// external payment provider. Everything outside the provider adapter works in
// terms of these types so it can be exercised without a live gateway.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SessionIDPlaceholder is substituted by the provider with the checkout
// session id when it redirects back to the success URL.
const SessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"

var (
	// ErrInvalidSignature means the payload was not signed with the shared secret.
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")
	// ErrInvalidPayload means the payload could not be parsed as an event.
	ErrInvalidPayload = errors.New("gateway: invalid webhook payload")
	// ErrUnavailable is returned while the provider circuit is open.
	ErrUnavailable = errors.New("gateway: provider unavailable")
	// ErrUnknownCoupon means the provider has no coupon with the local code.
	ErrUnknownCoupon = errors.New("gateway: coupon not configured at provider")
)

// Gateway is implemented by provider adapters.
type Gateway interface {
	Name() string
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
	ConstructEvent(payload []byte, signature, secret string) (Event, error)
}

type CustomerParams struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// CheckoutSessionParams opens a hosted subscription checkout for one price.
type CheckoutSessionParams struct {
	CustomerID        string
	PriceID           string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	// Metadata is attached to the session; SubscriptionMetadata to the
	// subscription the session creates, so invoices carry it too.
	Metadata             map[string]string
	SubscriptionMetadata map[string]string
	CouponCode           string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Event is an authenticated webhook notification.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	// Object is the raw JSON of the event's data.object.
	Object json.RawMessage
	// Payload is the full verified request body, kept for audit.
	Payload json.RawMessage
}
