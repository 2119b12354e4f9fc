package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/angelmondragon/billing-reconciler/pkg/gateway"
)

var _ gateway.Gateway = (*Client)(nil)

// CreateCustomer registers the user with Stripe and returns the customer id.
func (c *Client) CreateCustomer(ctx context.Context, params gateway.CustomerParams) (string, error) {
	sp := &stripe.CustomerParams{
		Email:    stripe.String(params.Email),
		Metadata: params.Metadata,
	}
	if params.Name != "" {
		sp.Name = stripe.String(params.Name)
	}
	sp.Context = ctx

	cust, err := execute(c, "create customer", func() (*stripe.Customer, error) {
		return c.newCustomer(sp)
	})
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}

// CreateCheckoutSession opens a subscription-mode hosted checkout.
func (c *Client) CreateCheckoutSession(ctx context.Context, params gateway.CheckoutSessionParams) (*gateway.CheckoutSession, error) {
	sp := &stripe.CheckoutSessionParams{
		Customer: stripe.String(params.CustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata:   params.Metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: params.SubscriptionMetadata,
		},
	}
	if params.ClientReferenceID != "" {
		sp.ClientReferenceID = stripe.String(params.ClientReferenceID)
	}
	if params.CouponCode != "" {
		sp.Discounts = []*stripe.CheckoutSessionDiscountParams{
			{Coupon: stripe.String(params.CouponCode)},
		}
	}
	sp.Context = ctx

	sess, err := execute(c, "create checkout session", func() (*stripe.CheckoutSession, error) {
		return c.newCheckoutSession(sp)
	})
	if err != nil {
		if params.CouponCode != "" && isMissingCoupon(err) {
			return nil, fmt.Errorf("create checkout session: coupon %q: %w", params.CouponCode, gateway.ErrUnknownCoupon)
		}
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &gateway.CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// isMissingCoupon matches Stripe's rejection of a discount naming a coupon
// id it does not have.
func isMissingCoupon(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.Code == stripe.ErrorCodeResourceMissing && strings.Contains(stripeErr.Param, "coupon")
}

// ConstructEvent verifies the Stripe-Signature header against secret and
// parses the event. It never talks to the network.
func (c *Client) ConstructEvent(payload []byte, signature, secret string) (gateway.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return gateway.Event{}, fmt.Errorf("%w: %v", gateway.ErrInvalidSignature, err)
		}
		return gateway.Event{}, fmt.Errorf("%w: %v", gateway.ErrInvalidPayload, err)
	}
	if event.ID == "" || event.Type == "" || event.Data == nil || len(event.Data.Raw) == 0 {
		return gateway.Event{}, fmt.Errorf("%w: missing id, type or data.object", gateway.ErrInvalidPayload)
	}

	return gateway.Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
		Object:  event.Data.Raw,
		Payload: json.RawMessage(payload),
	}, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld) ||
		errors.Is(err, webhook.ErrInvalidHeader)
}
