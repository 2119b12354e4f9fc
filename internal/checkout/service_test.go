package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/internal/coupons"
	"github.com/angelmondragon/billing-reconciler/internal/payments"
	"github.com/angelmondragon/billing-reconciler/internal/plans"
	"github.com/angelmondragon/billing-reconciler/internal/subscriptions"
	"github.com/angelmondragon/billing-reconciler/internal/testdb"
	"github.com/angelmondragon/billing-reconciler/internal/users"
	"github.com/angelmondragon/billing-reconciler/pkg/config"
	"github.com/angelmondragon/billing-reconciler/pkg/db"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/gateway"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
)

type fakeGateway struct {
	sessions     []gateway.CheckoutSessionParams
	customers    []gateway.CustomerParams
	sessionErr   error
	customerErr  error
	nextSession  string
	nextCustomer string
}

func (g *fakeGateway) Name() string { return "stripe" }

func (g *fakeGateway) CreateCustomer(_ context.Context, params gateway.CustomerParams) (string, error) {
	if g.customerErr != nil {
		return "", g.customerErr
	}
	g.customers = append(g.customers, params)
	if g.nextCustomer == "" {
		return "cus_new", nil
	}
	return g.nextCustomer, nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, params gateway.CheckoutSessionParams) (*gateway.CheckoutSession, error) {
	if g.sessionErr != nil {
		return nil, g.sessionErr
	}
	g.sessions = append(g.sessions, params)
	id := g.nextSession
	if id == "" {
		id = "cs_test_" + uuid.NewString()[:8]
	}
	return &gateway.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (g *fakeGateway) ConstructEvent([]byte, string, string) (gateway.Event, error) {
	return gateway.Event{}, errors.New("not used")
}

type fixture struct {
	conn    *gorm.DB
	gateway *fakeGateway
	svc     *Service
}

func newFixture(t *testing.T, cfg config.BillingConfig) *fixture {
	t.Helper()
	conn := testdb.Open(t)
	client := db.NewWithConn(conn)
	publisher := outbox.NewService(outbox.NewRepository(conn), nil)
	now := func() time.Time { return time.Now().UTC() }

	catalog, err := plans.NewCatalog(plans.NewRepository(conn))
	require.NoError(t, err)
	subRepo := subscriptions.NewRepository(conn)
	machine, err := subscriptions.NewMachine(subscriptions.MachineParams{Repo: subRepo, Outbox: publisher, Clock: now})
	require.NoError(t, err)
	ledger, err := payments.NewLedger(payments.LedgerParams{
		Repo:    payments.NewRepository(conn),
		Outbox:  publisher,
		Gateway: "stripe",
		Clock:   now,
	})
	require.NoError(t, err)
	couponSvc, err := coupons.NewService(coupons.ServiceParams{
		Repo:   coupons.NewRepository(conn),
		Tx:     client,
		Outbox: publisher,
		Plans:  catalog,
		Clock:  now,
	})
	require.NoError(t, err)

	gw := &fakeGateway{}
	svc, err := NewService(ServiceParams{
		Tx:            client,
		Plans:         catalog,
		Users:         users.NewRepository(conn),
		Subscriptions: subRepo,
		Machine:       machine,
		Ledger:        ledger,
		Coupons:       couponSvc,
		Gateway:       gw,
		Config:        cfg,
		Logger:        logger.New(logger.Options{ServiceName: "checkout-test", Output: io.Discard}),
	})
	require.NoError(t, err)
	return &fixture{conn: conn, gateway: gw, svc: svc}
}

func defaultConfig() config.BillingConfig {
	return config.BillingConfig{
		DefaultSuccessURL: "https://app.example.com/billing/success",
		DefaultCancelURL:  "https://app.example.com/billing/cancel",
		Currency:          "usd",
	}
}

func (f *fixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(model).Count(&n).Error)
	return n
}

func TestInitiateCreatesSessionAndPendingRows(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	user := testdb.SeedUser(t, f.conn, "")
	plan := testdb.SeedPlan(t, f.conn, "Pro", "29.00", "price_pro")
	f.gateway.nextSession = "cs_123"

	res, err := f.svc.Initiate(ctx, Input{UserID: user.ID, PlanID: plan.ID})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "cs_123", res.ID)
	assert.Equal(t, "https://checkout.stripe.test/cs_123", res.URL)

	require.Len(t, f.gateway.customers, 1)
	assert.Equal(t, user.Email, f.gateway.customers[0].Email)
	require.Len(t, f.gateway.sessions, 1)
	params := f.gateway.sessions[0]
	assert.Equal(t, "cus_new", params.CustomerID)
	assert.Equal(t, "price_pro", params.PriceID)
	assert.Equal(t, "https://app.example.com/billing/success?session_id={CHECKOUT_SESSION_ID}", params.SuccessURL)
	assert.Equal(t, "https://app.example.com/billing/cancel", params.CancelURL)
	assert.Equal(t, user.ID.String(), params.Metadata["user_id"])
	assert.Equal(t, plan.ID.String(), params.Metadata["plan_id"])
	assert.Equal(t, res.SubscriptionID.String(), params.Metadata["subscription_id"])
	assert.Equal(t, res.TransactionID.String(), params.Metadata["transaction_id"])
	assert.Equal(t, params.Metadata, params.SubscriptionMetadata)

	var stored models.User
	require.NoError(t, f.conn.First(&stored, "id = ?", user.ID).Error)
	require.NotNil(t, stored.GatewayCustomerID)
	assert.Equal(t, "cus_new", *stored.GatewayCustomerID)

	var sub models.Subscription
	require.NoError(t, f.conn.First(&sub, "id = ?", res.SubscriptionID).Error)
	assert.Equal(t, enums.SubscriptionStatusPending, sub.Status)
	assert.Equal(t, plan.ID, sub.PlanID)
	assert.True(t, sub.Amount.Equal(decimal.RequireFromString("29")))

	var txn models.PaymentTransaction
	require.NoError(t, f.conn.First(&txn, "external_transaction_id = ?", "cs_123").Error)
	assert.Equal(t, res.TransactionID, txn.ID)
	assert.Equal(t, enums.TransactionStatusPending, txn.Status)
	assert.Equal(t, enums.TransactionTypeSubscription, txn.Type)
	require.NotNil(t, txn.SubscriptionID)
	assert.Equal(t, sub.ID, *txn.SubscriptionID)
	assert.True(t, txn.Amount.Equal(decimal.RequireFromString("29")))
	assert.Equal(t, "usd", txn.Currency)
}

func TestInitiateReusesCustomerAndPendingRow(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	user := testdb.SeedUser(t, f.conn, "cus_existing")
	plan := testdb.SeedPlan(t, f.conn, "Pro", "29.00", "price_pro")

	first, err := f.svc.Initiate(ctx, Input{UserID: user.ID, PlanID: plan.ID})
	require.NoError(t, err)
	second, err := f.svc.Initiate(ctx, Input{UserID: user.ID, PlanID: plan.ID})
	require.NoError(t, err)

	assert.Empty(t, f.gateway.customers)
	assert.Equal(t, "cus_existing", f.gateway.sessions[1].CustomerID)
	assert.Equal(t, first.SubscriptionID, second.SubscriptionID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int64(1), f.count(t, &models.Subscription{}))
	assert.Equal(t, int64(2), f.count(t, &models.PaymentTransaction{}))
}

func TestInitiateGatewayFailureWritesNothing(t *testing.T) {
	f := newFixture(t, defaultConfig())
	user := testdb.SeedUser(t, f.conn, "cus_existing")
	plan := testdb.SeedPlan(t, f.conn, "Pro", "29.00", "price_pro")
	f.gateway.sessionErr = errors.New("stripe down")

	res, err := f.svc.Initiate(context.Background(), Input{UserID: user.ID, PlanID: plan.ID})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGateway))
	assert.Equal(t, int64(0), f.count(t, &models.Subscription{}))
	assert.Equal(t, int64(0), f.count(t, &models.PaymentTransaction{}))
}

func TestInitiateRejectsUnbillablePlan(t *testing.T) {
	f := newFixture(t, defaultConfig())
	user := testdb.SeedUser(t, f.conn, "")
	unpriced := testdb.SeedPlan(t, f.conn, "Legacy", "5.00", "")

	cases := map[string]uuid.UUID{
		"unknown plan":     uuid.New(),
		"no gateway price": unpriced.ID,
	}
	for name, planID := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Initiate(context.Background(), Input{UserID: user.ID, PlanID: planID})
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
			details, ok := pkgerrors.As(err).Details().(map[string]string)
			require.True(t, ok)
			assert.Contains(t, details, "plan_id")
		})
	}
	assert.Empty(t, f.gateway.sessions)
}

func TestInitiateURLHandling(t *testing.T) {
	t.Run("invalid url", func(t *testing.T) {
		f := newFixture(t, defaultConfig())
		u := testdb.SeedUser(t, f.conn, "")
		plan := testdb.SeedPlan(t, f.conn, "Pro", "29.00", "price_pro")
		_, err := f.svc.Initiate(context.Background(), Input{UserID: u.ID, PlanID: plan.ID, SuccessURL: "/relative/path"})
		require.Error(t, err)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
		assert.Contains(t, pkgerrors.As(err).Details(), "success_url")
	})

	t.Run("missing default", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.DefaultCancelURL = ""
		f := newFixture(t, cfg)
		u := testdb.SeedUser(t, f.conn, "")
		plan := testdb.SeedPlan(t, f.conn, "Pro", "29.00", "price_pro")
		_, err := f.svc.Initiate(context.Background(), Input{UserID: u.ID, PlanID: plan.ID})
		require.Error(t, err)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConfiguration))
	})

	t.Run("placeholder kept", func(t *testing.T) {
		f := newFixture(t, defaultConfig())
		u := testdb.SeedUser(t, f.conn, "")
		plan := testdb.SeedPlan(t, f.conn, "Pro", "29.00", "price_pro")
		custom := "https://shop.example.com/done?ref=abc&sid={CHECKOUT_SESSION_ID}"
		_, err := f.svc.Initiate(context.Background(), Input{UserID: u.ID, PlanID: plan.ID, SuccessURL: custom, CancelURL: "http://localhost:3000/cancel"})
		require.NoError(t, err)
		assert.Equal(t, custom, f.gateway.sessions[0].SuccessURL)
		assert.Equal(t, "http://localhost:3000/cancel", f.gateway.sessions[0].CancelURL)
	})
}

func TestWithSessionID(t *testing.T) {
	cases := map[string]string{
		"https://a.test/ok":                    "https://a.test/ok?session_id={CHECKOUT_SESSION_ID}",
		"https://a.test/ok?x=1":                "https://a.test/ok?x=1&session_id={CHECKOUT_SESSION_ID}",
		"https://a.test/ok?":                   "https://a.test/ok?session_id={CHECKOUT_SESSION_ID}",
		"https://a.test/ok#done":               "https://a.test/ok?session_id={CHECKOUT_SESSION_ID}#done",
		"https://a.test/{CHECKOUT_SESSION_ID}": "https://a.test/{CHECKOUT_SESSION_ID}",
	}
	for in, want := range cases {
		assert.Equal(t, want, withSessionID(in), in)
		_, err := url.Parse(want)
		assert.NoError(t, err)
	}
}

func TestInitiateWithCoupon(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	user := testdb.SeedUser(t, f.conn, "cus_1")
	plan := testdb.SeedPlan(t, f.conn, "Pro", "40.00", "price_pro")
	coupon := &models.Coupon{
		Code:     "SAVE25",
		Type:     enums.CouponTypePercentage,
		Value:    decimal.RequireFromString("25"),
		IsActive: true,
	}
	require.NoError(t, f.conn.Create(coupon).Error)

	res, err := f.svc.Initiate(ctx, Input{UserID: user.ID, PlanID: plan.ID, CouponCode: " save25 "})
	require.NoError(t, err)

	params := f.gateway.sessions[0]
	assert.Equal(t, "SAVE25", params.CouponCode)
	assert.Equal(t, "SAVE25", params.Metadata["coupon_code"])
	assert.Equal(t, "10.00", params.Metadata["discount_amount"])

	var txn models.PaymentTransaction
	require.NoError(t, f.conn.First(&txn, "id = ?", res.TransactionID).Error)
	assert.True(t, txn.Amount.Equal(decimal.RequireFromString("30")))

	var details struct {
		CouponCode     string          `json:"coupon_code"`
		DiscountAmount decimal.Decimal `json:"discount_amount"`
		PlanName       string          `json:"plan_name"`
	}
	require.NoError(t, json.Unmarshal(txn.PaymentDetails, &details))
	assert.Equal(t, "SAVE25", details.CouponCode)
	assert.Equal(t, "Pro", details.PlanName)
	assert.True(t, details.DiscountAmount.Equal(decimal.RequireFromString("10")))

	var reloaded models.Coupon
	require.NoError(t, f.conn.First(&reloaded, "id = ?", coupon.ID).Error)
	assert.Equal(t, 0, reloaded.UsedCount)
}

func TestInitiateRejectsUnusableCoupon(t *testing.T) {
	f := newFixture(t, defaultConfig())
	user := testdb.SeedUser(t, f.conn, "cus_1")
	plan := testdb.SeedPlan(t, f.conn, "Pro", "40.00", "price_pro")
	require.NoError(t, f.conn.Create(&models.Coupon{
		Code:            "TEAMONLY",
		Type:            enums.CouponTypeFixedAmount,
		Value:           decimal.RequireFromString("5"),
		ApplicablePlans: []string{"Team"},
		IsActive:        true,
	}).Error)

	for _, code := range []string{"TEAMONLY", "MISSING"} {
		_, err := f.svc.Initiate(context.Background(), Input{UserID: user.ID, PlanID: plan.ID, CouponCode: code})
		require.Error(t, err, code)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), code)
		assert.Contains(t, pkgerrors.As(err).Details(), "coupon_code")
	}
	assert.Empty(t, f.gateway.sessions)
	assert.Equal(t, int64(0), f.count(t, &models.PaymentTransaction{}))
}

func TestInitiateCouponMissingAtGatewayIsRejected(t *testing.T) {
	f := newFixture(t, defaultConfig())
	user := testdb.SeedUser(t, f.conn, "cus_1")
	plan := testdb.SeedPlan(t, f.conn, "Pro", "40.00", "price_pro")
	require.NoError(t, f.conn.Create(&models.Coupon{
		Code:     "LOCALONLY",
		Type:     enums.CouponTypePercentage,
		Value:    decimal.RequireFromString("10"),
		IsActive: true,
	}).Error)
	f.gateway.sessionErr = fmt.Errorf("create checkout session: %w", gateway.ErrUnknownCoupon)

	_, err := f.svc.Initiate(context.Background(), Input{UserID: user.ID, PlanID: plan.ID, CouponCode: "LOCALONLY"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.Contains(t, pkgerrors.As(err).Details(), "coupon_code")
	assert.Equal(t, int64(0), f.count(t, &models.PaymentTransaction{}))
	assert.Equal(t, int64(0), f.count(t, &models.Subscription{}))
}
