// Package testdb opens isolated in-memory sqlite databases carrying the
// billing schema, for repository and service tests.
package testdb

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
)

var schema = []string{
	`CREATE TABLE users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  gateway_customer_id TEXT UNIQUE,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE subscription_plans (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  price TEXT NOT NULL,
  currency TEXT NOT NULL DEFAULT 'usd',
  billing_cycle TEXT NOT NULL DEFAULT 'monthly',
  external_price_id TEXT UNIQUE,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE subscriptions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  plan_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  external_subscription_id TEXT UNIQUE,
  started_at DATETIME,
  expires_at DATETIME,
  period_provisional INTEGER NOT NULL DEFAULT 0,
  cancelled_at DATETIME,
  amount TEXT NOT NULL,
  billing_cycle TEXT NOT NULL,
  auto_renew INTEGER NOT NULL DEFAULT 1,
  notes TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE payment_transactions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  subscription_id TEXT,
  external_transaction_id TEXT NOT NULL,
  gateway TEXT NOT NULL,
  amount TEXT NOT NULL,
  currency TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  type TEXT NOT NULL,
  payment_details TEXT,
  gateway_response TEXT,
  paid_at DATETIME,
  notes TEXT,
  created_at DATETIME,
  updated_at DATETIME,
  CONSTRAINT payment_transactions_external_transaction_id_key UNIQUE (external_transaction_id)
);`,
	`CREATE TABLE coupons (
  id TEXT PRIMARY KEY,
  code TEXT NOT NULL UNIQUE,
  type TEXT NOT NULL,
  value TEXT NOT NULL,
  minimum_amount TEXT,
  maximum_discount TEXT,
  usage_limit INTEGER,
  usage_limit_per_user INTEGER,
  valid_from DATETIME,
  valid_until DATETIME,
  applicable_plans TEXT,
  first_time_only INTEGER NOT NULL DEFAULT 0,
  used_count INTEGER NOT NULL DEFAULT 0,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE coupon_usages (
  id TEXT PRIMARY KEY,
  coupon_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  transaction_id TEXT,
  amount TEXT NOT NULL,
  discount_amount TEXT NOT NULL,
  used_at DATETIME NOT NULL
);`,
	`CREATE TABLE outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`,
	`CREATE TABLE outbox_dlq (
  id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  error_reason TEXT NOT NULL,
  error_message TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  failed_at DATETIME
);`,
}

// Open returns a fresh database with every billing table created.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := "file:billing_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	for _, stmt := range schema {
		require.NoError(t, conn.Exec(stmt).Error)
	}

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return conn
}

// SeedUser inserts a user, optionally already linked to a gateway customer.
func SeedUser(t testing.TB, conn *gorm.DB, gatewayCustomerID string) *models.User {
	t.Helper()
	id := uuid.New()
	user := &models.User{
		ID:    id,
		Email: id.String() + "@example.com",
		Name:  "Test User",
	}
	if gatewayCustomerID != "" {
		user.GatewayCustomerID = &gatewayCustomerID
	}
	require.NoError(t, conn.Create(user).Error)
	return user
}

// SeedPlan inserts an active monthly plan priced in USD.
func SeedPlan(t testing.TB, conn *gorm.DB, name, price, externalPriceID string) *models.SubscriptionPlan {
	t.Helper()
	plan := &models.SubscriptionPlan{
		Name:         name,
		Price:        decimal.RequireFromString(price),
		Currency:     "usd",
		BillingCycle: enums.BillingCycleMonthly,
		IsActive:     true,
	}
	if externalPriceID != "" {
		plan.ExternalPriceID = &externalPriceID
	}
	require.NoError(t, conn.Create(plan).Error)
	return plan
}

// SeedSubscription inserts a subscription row for user and plan in status.
func SeedSubscription(t testing.TB, conn *gorm.DB, user *models.User, plan *models.SubscriptionPlan, status enums.SubscriptionStatus) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		UserID:       user.ID,
		PlanID:       plan.ID,
		Status:       status,
		Amount:       plan.Price,
		BillingCycle: plan.BillingCycle,
		AutoRenew:    true,
	}
	require.NoError(t, conn.Create(sub).Error)
	return sub
}
