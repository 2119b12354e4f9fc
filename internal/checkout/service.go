package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/internal/coupons"
	"github.com/angelmondragon/billing-reconciler/internal/payments"
	"github.com/angelmondragon/billing-reconciler/internal/subscriptions"
	"github.com/angelmondragon/billing-reconciler/pkg/config"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/gateway"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
	"github.com/angelmondragon/billing-reconciler/pkg/metrics"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type planCatalog interface {
	RequireBillable(ctx context.Context, id uuid.UUID) (*models.SubscriptionPlan, error)
}

type userStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	LinkGatewayCustomer(ctx context.Context, id uuid.UUID, customerID string) (bool, error)
}

type pendingFinder interface {
	FindPendingForUserPlan(ctx context.Context, userID, planID uuid.UUID) (*models.Subscription, error)
}

type pendingSubscriptions interface {
	CreateOrResetPending(ctx context.Context, tx *gorm.DB, input subscriptions.PendingInput) (*models.Subscription, error)
}

type pendingLedger interface {
	CreatePending(ctx context.Context, tx *gorm.DB, input payments.PendingInput) (*models.PaymentTransaction, error)
}

type couponQuoter interface {
	Validate(ctx context.Context, input coupons.QuoteInput) (*coupons.Quote, error)
}

// ServiceParams wires the checkout initiator. Coupons and Metrics are
// optional.
type ServiceParams struct {
	Tx            txRunner
	Plans         planCatalog
	Users         userStore
	Subscriptions pendingFinder
	Machine       pendingSubscriptions
	Ledger        pendingLedger
	Coupons       couponQuoter
	Gateway       gateway.Gateway
	Config        config.BillingConfig
	Logger        *logger.Logger
	Metrics       *metrics.BillingMetrics
}

// Input is one checkout request. UserID comes from the authenticated caller.
type Input struct {
	UserID     uuid.UUID
	PlanID     uuid.UUID
	SuccessURL string
	CancelURL  string
	CouponCode string
}

// Result is returned to the client, which redirects to URL.
type Result struct {
	Success        bool      `json:"success"`
	URL            string    `json:"url"`
	ID             string    `json:"id"`
	SubscriptionID uuid.UUID `json:"-"`
	TransactionID  uuid.UUID `json:"-"`
}

// Service opens gateway checkout sessions and records the pending
// subscription and ledger rows they will settle.
type Service struct {
	tx      txRunner
	plans   planCatalog
	users   userStore
	subs    pendingFinder
	machine pendingSubscriptions
	ledger  pendingLedger
	coupons couponQuoter
	gateway gateway.Gateway
	cfg     config.BillingConfig
	logg    *logger.Logger
	metrics *metrics.BillingMetrics
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Tx == nil:
		return nil, errors.New("tx runner required")
	case params.Plans == nil:
		return nil, errors.New("plan catalog required")
	case params.Users == nil:
		return nil, errors.New("user store required")
	case params.Subscriptions == nil:
		return nil, errors.New("subscription repository required")
	case params.Machine == nil:
		return nil, errors.New("subscription machine required")
	case params.Ledger == nil:
		return nil, errors.New("payment ledger required")
	case params.Gateway == nil:
		return nil, errors.New("payment gateway required")
	case params.Logger == nil:
		return nil, errors.New("logger required")
	}
	return &Service{
		tx:      params.Tx,
		plans:   params.Plans,
		users:   params.Users,
		subs:    params.Subscriptions,
		machine: params.Machine,
		ledger:  params.Ledger,
		coupons: params.Coupons,
		gateway: params.Gateway,
		cfg:     params.Config,
		logg:    params.Logger,
		metrics: params.Metrics,
	}, nil
}

// Initiate validates the request, opens a subscription-mode session with the
// gateway and, only once that succeeds, records the pending subscription and
// the pending transaction keyed by the session id in one transaction.
func (s *Service) Initiate(ctx context.Context, input Input) (*Result, error) {
	result, err := s.initiate(ctx, input)
	switch {
	case err == nil:
		s.metrics.IncCheckout(metrics.CheckoutCreated)
	case pkgerrors.IsCode(err, pkgerrors.CodeGateway):
		s.metrics.IncCheckout(metrics.CheckoutGatewayFailure)
	case pkgerrors.IsCode(err, pkgerrors.CodeValidation), pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
		s.metrics.IncCheckout(metrics.CheckoutRejected)
	default:
		s.metrics.IncCheckout(metrics.CheckoutError)
	}
	return result, err
}

func (s *Service) initiate(ctx context.Context, input Input) (*Result, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user required")
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"user_id": input.UserID.String(),
		"plan_id": input.PlanID.String(),
	})

	plan, err := s.plans.RequireBillable(ctx, input.PlanID)
	if err != nil {
		return nil, err
	}

	successURL, err := resolveURL("success_url", input.SuccessURL, s.cfg.DefaultSuccessURL)
	if err != nil {
		return nil, err
	}
	cancelURL, err := resolveURL("cancel_url", input.CancelURL, s.cfg.DefaultCancelURL)
	if err != nil {
		return nil, err
	}

	amount := plan.Price
	var quote *coupons.Quote
	if code := strings.TrimSpace(input.CouponCode); code != "" {
		quote, err = s.quote(ctx, code, plan, input.UserID)
		if err != nil {
			return nil, err
		}
		amount = quote.FinalAmount
	}

	user, err := s.users.FindByID(ctx, input.UserID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}
	if user == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	subscriptionID := uuid.New()
	existing, err := s.subs.FindPendingForUserPlan(ctx, user.ID, plan.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pending subscription")
	}
	if existing != nil {
		subscriptionID = existing.ID
	}
	transactionID := uuid.New()

	metadata := map[string]string{
		"user_id":         user.ID.String(),
		"plan_id":         plan.ID.String(),
		"subscription_id": subscriptionID.String(),
		"transaction_id":  transactionID.String(),
	}
	params := gateway.CheckoutSessionParams{
		CustomerID:           customerID,
		PriceID:              plan.BillablePriceID(),
		SuccessURL:           withSessionID(successURL),
		CancelURL:            cancelURL,
		ClientReferenceID:    user.ID.String(),
		Metadata:             metadata,
		SubscriptionMetadata: metadata,
	}
	if quote != nil {
		metadata["coupon_code"] = quote.Coupon.Code
		metadata["discount_amount"] = quote.DiscountAmount.StringFixed(2)
		params.CouponCode = quote.Coupon.Code
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownCoupon) {
			// Local codes double as gateway coupon ids; this one was never
			// created at the gateway.
			s.logg.Warn(ctx, "checkout.coupon_not_at_gateway")
			return nil, couponError("coupon is not available for checkout")
		}
		s.logg.Error(ctx, "checkout.session_failed", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "failed to create checkout session")
	}
	ctx = s.logg.WithField(ctx, "checkout_session_id", session.ID)

	details, err := json.Marshal(paymentDetails(plan, session.ID, quote))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode payment details")
	}
	currency := plan.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := s.machine.CreateOrResetPending(ctx, tx, subscriptions.PendingInput{
			PreferredID: subscriptionID,
			UserID:      user.ID,
			Plan:        plan,
		})
		if err != nil {
			return err
		}
		subscriptionID = sub.ID
		_, err = s.ledger.CreatePending(ctx, tx, payments.PendingInput{
			ID:             transactionID,
			UserID:         user.ID,
			SubscriptionID: sub.ID,
			ExternalID:     session.ID,
			Amount:         amount,
			Currency:       currency,
			PaymentDetails: details,
		})
		return err
	})
	if err != nil {
		s.logg.Error(ctx, "checkout.persist_failed", err)
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record checkout")
	}

	s.logg.Info(ctx, "checkout.session_created")
	return &Result{
		Success:        true,
		URL:            session.URL,
		ID:             session.ID,
		SubscriptionID: subscriptionID,
		TransactionID:  transactionID,
	}, nil
}

func (s *Service) quote(ctx context.Context, code string, plan *models.SubscriptionPlan, userID uuid.UUID) (*coupons.Quote, error) {
	if s.coupons == nil {
		return nil, couponError("coupons are not accepted")
	}
	quote, err := s.coupons.Validate(ctx, coupons.QuoteInput{
		Code:   code,
		Amount: plan.Price,
		PlanID: &plan.ID,
		UserID: &userID,
	})
	if err != nil {
		typed := pkgerrors.As(err)
		if typed == nil {
			return nil, err
		}
		switch typed.Code() {
		case pkgerrors.CodeNotFound:
			return nil, couponError("coupon not found")
		case pkgerrors.CodeValidation:
			return nil, couponError(typed.Message())
		}
		return nil, err
	}
	if !quote.DiscountAmount.IsPositive() {
		return nil, couponError("coupon gives no discount for this plan")
	}
	return quote, nil
}

// ensureCustomer returns the user's gateway customer, creating and linking
// one on first checkout. A concurrent link wins and its id is used.
func (s *Service) ensureCustomer(ctx context.Context, user *models.User) (string, error) {
	if user.GatewayCustomerID != nil && *user.GatewayCustomerID != "" {
		return *user.GatewayCustomerID, nil
	}
	customerID, err := s.gateway.CreateCustomer(ctx, gateway.CustomerParams{
		Email:    user.Email,
		Name:     user.Name,
		Metadata: map[string]string{"user_id": user.ID.String()},
	})
	if err != nil {
		s.logg.Error(ctx, "checkout.customer_failed", err)
		return "", pkgerrors.Wrap(pkgerrors.CodeGateway, err, "failed to create gateway customer")
	}
	linked, err := s.users.LinkGatewayCustomer(ctx, user.ID, customerID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "link gateway customer")
	}
	if linked {
		user.GatewayCustomerID = &customerID
		return customerID, nil
	}

	fresh, err := s.users.FindByID(ctx, user.ID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload user")
	}
	if fresh == nil || fresh.GatewayCustomerID == nil {
		return "", pkgerrors.New(pkgerrors.CodeConflict, "gateway customer link lost")
	}
	s.logg.Warn(ctx, "checkout.customer_link_race")
	return *fresh.GatewayCustomerID, nil
}

type checkoutDetails struct {
	PlanID            uuid.UUID        `json:"plan_id"`
	PlanName          string           `json:"plan_name"`
	Price             decimal.Decimal  `json:"price"`
	CheckoutSessionID string           `json:"checkout_session_id"`
	CouponCode        string           `json:"coupon_code,omitempty"`
	DiscountAmount    *decimal.Decimal `json:"discount_amount,omitempty"`
}

func paymentDetails(plan *models.SubscriptionPlan, sessionID string, quote *coupons.Quote) checkoutDetails {
	d := checkoutDetails{
		PlanID:            plan.ID,
		PlanName:          plan.Name,
		Price:             plan.Price,
		CheckoutSessionID: sessionID,
	}
	if quote != nil {
		discount := quote.DiscountAmount
		d.CouponCode = quote.Coupon.Code
		d.DiscountAmount = &discount
	}
	return d
}

func couponError(msg string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, msg).WithDetails(map[string]string{"coupon_code": msg})
}
