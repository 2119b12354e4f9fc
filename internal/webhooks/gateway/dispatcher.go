package gatewaywebhook

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/internal/coupons"
	"github.com/angelmondragon/billing-reconciler/internal/payments"
	"github.com/angelmondragon/billing-reconciler/internal/subscriptions"
	"github.com/angelmondragon/billing-reconciler/internal/users"
	"github.com/angelmondragon/billing-reconciler/pkg/config"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/gateway"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
	"github.com/angelmondragon/billing-reconciler/pkg/metrics"
)

// Gateway event types the dispatcher acts on.
const (
	EventCheckoutSessionCompleted    = "checkout.session.completed"
	EventCheckoutSessionExpired      = "checkout.session.expired"
	EventInvoicePaid                 = "invoice.paid"
	EventInvoicePaymentSucceeded     = "invoice.payment_succeeded"
	EventInvoicePaymentFailed        = "invoice.payment_failed"
	EventCustomerSubscriptionCreated = "customer.subscription.created"
	EventCustomerSubscriptionUpdated = "customer.subscription.updated"
	EventCustomerSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentIntentSucceeded      = "payment_intent.succeeded"
	EventPaymentIntentPaymentFailed  = "payment_intent.payment_failed"
)

// Outcome is how a delivery was settled. Every outcome except an error is
// acknowledged to the gateway.
type Outcome string

const (
	OutcomeProcessed  Outcome = metrics.OutcomeProcessed
	OutcomeDuplicate  Outcome = metrics.OutcomeDuplicate
	OutcomeIgnored    Outcome = metrics.OutcomeIgnored
	OutcomeLookupMiss Outcome = metrics.OutcomeLookupMiss
	OutcomeError      Outcome = metrics.OutcomeError
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type subscriptionResolver interface {
	Resolve(ctx context.Context, tx *gorm.DB, keys subscriptions.LookupKeys) (*models.Subscription, error)
	ActiveForUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) (*models.Subscription, error)
}

type subscriptionMachine interface {
	Confirm(ctx context.Context, tx *gorm.DB, sub *models.Subscription, c subscriptions.Confirmation) (subscriptions.Transition, error)
	Cancel(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason, source string) (subscriptions.Transition, error)
	SetAutoRenew(ctx context.Context, tx *gorm.DB, sub *models.Subscription, autoRenew bool) (bool, error)
}

type paymentLedger interface {
	RecordOrUpdate(ctx context.Context, tx *gorm.DB, externalID string, f payments.Fields) (*payments.Result, error)
	Lookup(ctx context.Context, tx *gorm.DB, externalID string) (*models.PaymentTransaction, error)
	FindByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.PaymentTransaction, error)
	PendingCheckout(ctx context.Context, tx *gorm.DB, subscriptionID uuid.UUID) (*models.PaymentTransaction, error)
	HasRecentCompleted(ctx context.Context, tx *gorm.DB, userID uuid.UUID, window time.Duration, now time.Time) (bool, error)
	HasRecentFailed(ctx context.Context, tx *gorm.DB, userID uuid.UUID, window time.Duration, now time.Time) (bool, error)
	FindRecentBackup(ctx context.Context, tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal, window time.Duration, now time.Time) (*models.PaymentTransaction, error)
	Relink(ctx context.Context, tx *gorm.DB, txn *models.PaymentTransaction, subscriptionID uuid.UUID, txType enums.TransactionType) (bool, error)
}

type couponRedeemer interface {
	RedeemCode(ctx context.Context, tx *gorm.DB, code string, input coupons.RedeemInput) (*models.CouponUsage, error)
}

type DispatcherParams struct {
	Tx      txRunner
	Lookup  subscriptionResolver
	Machine subscriptionMachine
	Ledger  paymentLedger
	Users   *users.Repository
	// Coupons and Guard are optional.
	Coupons couponRedeemer
	Guard   *EventGuard
	Config  config.BillingConfig
	Logger  *logger.Logger
	Metrics *metrics.BillingMetrics
	Clock   func() time.Time
}

// Dispatcher routes verified gateway events to their handler. Each handler
// does its reads and writes in one database transaction.
type Dispatcher struct {
	tx       txRunner
	lookup   subscriptionResolver
	machine  subscriptionMachine
	ledger   paymentLedger
	users    *users.Repository
	coupons  couponRedeemer
	guard    *EventGuard
	window   time.Duration
	logg     *logger.Logger
	metrics  *metrics.BillingMetrics
	now      func() time.Time
	handlers map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, tx *gorm.DB, event gateway.Event) (Outcome, error)

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Tx == nil {
		return nil, errors.New("transaction runner required")
	}
	if params.Lookup == nil {
		return nil, errors.New("subscription lookup required")
	}
	if params.Machine == nil {
		return nil, errors.New("subscription state machine required")
	}
	if params.Ledger == nil {
		return nil, errors.New("payment ledger required")
	}
	if params.Users == nil {
		return nil, errors.New("user repository required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	window := params.Config.DedupWindow
	if window <= 0 {
		window = 5 * time.Minute
	}

	d := &Dispatcher{
		tx:      params.Tx,
		lookup:  params.Lookup,
		machine: params.Machine,
		ledger:  params.Ledger,
		users:   params.Users,
		coupons: params.Coupons,
		guard:   params.Guard,
		window:  window,
		logg:    params.Logger,
		metrics: params.Metrics,
		now:     clock,
	}
	d.handlers = map[string]handlerFunc{
		EventCheckoutSessionCompleted:    d.handleCheckoutCompleted,
		EventCheckoutSessionExpired:      d.handleCheckoutExpired,
		EventInvoicePaid:                 d.handleInvoicePaid,
		EventInvoicePaymentSucceeded:     d.handleInvoicePaid,
		EventInvoicePaymentFailed:        d.handleInvoiceFailed,
		EventCustomerSubscriptionCreated: d.handleSubscriptionChanged,
		EventCustomerSubscriptionUpdated: d.handleSubscriptionChanged,
		EventCustomerSubscriptionDeleted: d.handleSubscriptionDeleted,
		EventPaymentIntentSucceeded:      d.handlePaymentIntentSucceeded,
		EventPaymentIntentPaymentFailed:  d.handlePaymentIntentFailed,
	}
	return d, nil
}

// Handles reports whether eventType has a handler.
func (d *Dispatcher) Handles(eventType string) bool {
	_, ok := d.handlers[eventType]
	return ok
}

// Dispatch applies event. A non-nil error means the delivery must not be
// acknowledged; lookup misses, malformed objects and replays are settled
// with a nil error.
func (d *Dispatcher) Dispatch(ctx context.Context, event gateway.Event) (Outcome, error) {
	started := time.Now()
	ctx = d.logg.WithEvent(ctx, event.ID, event.Type)

	outcome, err := d.dispatch(ctx, event)
	if err != nil {
		outcome = OutcomeError
	}
	d.metrics.ObserveWebhook(event.Type, string(outcome), time.Since(started))
	return outcome, err
}

func (d *Dispatcher) dispatch(ctx context.Context, event gateway.Event) (Outcome, error) {
	handler, ok := d.handlers[event.Type]
	if !ok {
		d.logg.Info(ctx, "webhook.ignored")
		return OutcomeIgnored, nil
	}

	if d.guard != nil {
		seen, err := d.guard.Seen(ctx, event.ID)
		switch {
		case err != nil:
			d.logg.Error(ctx, "webhook.guard_unavailable", err)
		case seen:
			d.logg.Info(ctx, "webhook.duplicate_delivery")
			return OutcomeDuplicate, nil
		}
	}

	var outcome Outcome
	err := d.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var herr error
		outcome, herr = handler(ctx, tx, event)
		return herr
	})
	switch {
	case err == nil:
		d.logg.Info(ctx, "webhook."+string(outcome))
	case pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
		d.logg.Warn(d.logg.WithField(ctx, "reason", err.Error()), "webhook.lookup_miss")
		outcome = OutcomeLookupMiss
	case pkgerrors.IsCode(err, pkgerrors.CodeValidation):
		d.logg.Warn(d.logg.WithField(ctx, "reason", err.Error()), "webhook.unprocessable")
		outcome = OutcomeIgnored
	default:
		d.logg.Error(ctx, "webhook.failed", err)
		return OutcomeError, err
	}

	d.markSettled(ctx, event.ID)
	return outcome, nil
}

// markSettled runs after the commit, so it must outlive a request that the
// gateway has already abandoned.
func (d *Dispatcher) markSettled(ctx context.Context, eventID string) {
	if d.guard == nil {
		return
	}
	if err := d.guard.MarkSettled(context.WithoutCancel(ctx), eventID); err != nil {
		d.logg.Error(ctx, "webhook.guard_mark_failed", err)
	}
}

// malformed marks a verified payload this service cannot use. Redelivery
// would not change it, so the event is acknowledged.
func malformed(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unprocessable event object")
}

func lookupMiss(msg string) error {
	return pkgerrors.New(pkgerrors.CodeNotFound, msg)
}
