// Package stripe adapts the Stripe API to gateway.Gateway.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v82"
	stripeclient "github.com/stripe/stripe-go/v82/client"

	"github.com/angelmondragon/billing-reconciler/pkg/config"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
)

const gatewayName = "stripe"

// keyPrefixes lists the secret and restricted key prefixes each
// environment accepts.
var keyPrefixes = map[string][]string{
	"test": {"sk_test", "rk_test"},
	"live": {"sk_live", "rk_live"},
}

var errAPIKeyRequired = errors.New("stripe api key is required")

type Client struct {
	environment string
	breaker     *gobreaker.CircuitBreaker[any]
	logg        *logger.Logger

	// Swapped in tests.
	newCustomer        func(*stripe.CustomerParams) (*stripe.Customer, error)
	newCheckoutSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// NewClient builds a client bound to cfg.APIKey. The key must match the
// configured environment, so a live key never runs against test config.
func NewClient(ctx context.Context, cfg config.StripeConfig, breakerCfg config.BreakerConfig, logg *logger.Logger) (*Client, error) {
	env := cfg.Environment()
	prefixes, ok := keyPrefixes[env]
	if !ok {
		return nil, fmt.Errorf("stripe environment must be test or live, got %q", env)
	}
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errAPIKeyRequired
	}
	if !hasAnyPrefix(key, prefixes) {
		return nil, fmt.Errorf("stripe %s environment needs a %s key", env, strings.Join(prefixes, "/"))
	}

	api := stripeclient.New(key, nil)
	if logg != nil {
		logg.Info(logg.WithField(ctx, "stripe_env", env), "stripe.ready")
	}
	return &Client{
		environment:        env,
		breaker:            newBreaker(breakerCfg, logg),
		logg:               logg,
		newCustomer:        api.Customers.New,
		newCheckoutSession: api.CheckoutSessions.New,
	}, nil
}

func (c *Client) Name() string {
	return gatewayName
}

// Environment is "test" or "live".
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
