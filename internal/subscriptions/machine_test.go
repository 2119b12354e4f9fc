package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/internal/testdb"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
)

var machineNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func newMachine(t *testing.T) (*Machine, *gorm.DB) {
	t.Helper()
	conn := testdb.Open(t)
	m, err := NewMachine(MachineParams{
		Repo:   NewRepository(conn),
		Outbox: outbox.NewService(outbox.NewRepository(conn), nil),
		Clock:  func() time.Time { return machineNow },
	})
	require.NoError(t, err)
	return m, conn
}

func countEvents(t *testing.T, conn *gorm.DB, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func reload(t *testing.T, conn *gorm.DB, id uuid.UUID) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, conn.First(&sub, "id = ?", id).Error)
	return &sub
}

func TestIsEntitled(t *testing.T) {
	now := machineNow
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	assert.True(t, IsEntitled(&models.Subscription{Status: enums.SubscriptionStatusActive, ExpiresAt: &future}, now))
	assert.False(t, IsEntitled(&models.Subscription{Status: enums.SubscriptionStatusActive, ExpiresAt: &past}, now))
	assert.False(t, IsEntitled(&models.Subscription{Status: enums.SubscriptionStatusActive, ExpiresAt: &now}, now))
	assert.False(t, IsEntitled(&models.Subscription{Status: enums.SubscriptionStatusActive}, now))
	assert.False(t, IsEntitled(&models.Subscription{Status: enums.SubscriptionStatusCancelled, ExpiresAt: &future}, now))
	assert.False(t, IsEntitled(&models.Subscription{Status: enums.SubscriptionStatusPending, ExpiresAt: &future}, now))
	assert.False(t, IsEntitled(nil, now))
}

func TestConfirmActivatesAndIsIdempotent(t *testing.T) {
	m, conn := newMachine(t)
	ctx := context.Background()
	user := testdb.SeedUser(t, conn, "cus_1")
	plan := testdb.SeedPlan(t, conn, "Pro", "10.00", "price_pro")
	sub := testdb.SeedSubscription(t, conn, user, plan, enums.SubscriptionStatusPending)
	periodEnd := machineNow.AddDate(0, 1, 0)
	off := false

	confirmation := Confirmation{PeriodEnd: &periodEnd, ExternalSubscriptionID: "sub_123", AutoRenew: &off}
	first, err := m.Confirm(ctx, conn, sub, confirmation)
	require.NoError(t, err)
	assert.True(t, first.Activated)
	assert.False(t, first.Extended)

	stored := reload(t, conn, sub.ID)
	assert.Equal(t, enums.SubscriptionStatusActive, stored.Status)
	assert.Equal(t, "sub_123", stored.ExternalID())
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.Equal(periodEnd))
	require.NotNil(t, stored.StartedAt)
	assert.False(t, stored.AutoRenew)
	assert.True(t, IsEntitled(stored, machineNow))

	second, err := m.Confirm(ctx, conn, stored, confirmation)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, int64(1), countEvents(t, conn, enums.EventSubscriptionActivated))
}

func TestConfirmExtendsButNeverShortens(t *testing.T) {
	m, conn := newMachine(t)
	ctx := context.Background()
	user := testdb.SeedUser(t, conn, "")
	plan := testdb.SeedPlan(t, conn, "Pro", "10.00", "price_pro")
	sub := testdb.SeedSubscription(t, conn, user, plan, enums.SubscriptionStatusPending)

	may := machineNow.AddDate(0, 1, 0)
	june := machineNow.AddDate(0, 2, 0)

	_, err := m.Confirm(ctx, conn, sub, Confirmation{PeriodEnd: &may})
	require.NoError(t, err)

	renewal, err := m.Confirm(ctx, conn, sub, Confirmation{PeriodEnd: &june})
	require.NoError(t, err)
	assert.True(t, renewal.Extended)
	assert.False(t, renewal.Activated)

	stale, err := m.Confirm(ctx, conn, sub, Confirmation{PeriodEnd: &may})
	require.NoError(t, err)
	assert.False(t, stale.Changed)

	stored := reload(t, conn, sub.ID)
	assert.True(t, stored.ExpiresAt.Equal(june))
	assert.Equal(t, int64(2), countEvents(t, conn, enums.EventSubscriptionActivated))
}

func TestActivateWithoutPeriodUsesBillingCycle(t *testing.T) {
	m, conn := newMachine(t)
	user := testdb.SeedUser(t, conn, "")
	plan := testdb.SeedPlan(t, conn, "Pro", "10.00", "price_pro")
	sub := testdb.SeedSubscription(t, conn, user, plan, enums.SubscriptionStatusPending)

	tr, err := m.Activate(context.Background(), conn, sub, "sub_9")
	require.NoError(t, err)
	assert.True(t, tr.Activated)

	stored := reload(t, conn, sub.ID)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.Equal(machineNow.AddDate(0, 1, 0)))
	assert.True(t, stored.PeriodProvisional)
}

func TestReportedPeriodReplacesEstimate(t *testing.T) {
	m, conn := newMachine(t)
	ctx := context.Background()
	user := testdb.SeedUser(t, conn, "")
	plan := testdb.SeedPlan(t, conn, "Pro", "10.00", "price_pro")
	sub := testdb.SeedSubscription(t, conn, user, plan, enums.SubscriptionStatusPending)

	_, err := m.Confirm(ctx, conn, sub, Confirmation{ExternalSubscriptionID: "sub_9"})
	require.NoError(t, err)
	stored := reload(t, conn, sub.ID)
	assert.True(t, stored.PeriodProvisional)

	reported := machineNow.Add(-time.Minute).AddDate(0, 1, 0)
	tr, err := m.Confirm(ctx, conn, stored, Confirmation{PeriodEnd: &reported})
	require.NoError(t, err)
	assert.True(t, tr.Changed)
	assert.False(t, tr.Extended)

	stored = reload(t, conn, sub.ID)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.Equal(reported))
	assert.False(t, stored.PeriodProvisional)

	// Once reported, the period is no longer shortened.
	earlier := reported.Add(-time.Hour)
	tr, err = m.Confirm(ctx, conn, stored, Confirmation{PeriodEnd: &earlier})
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.True(t, reload(t, conn, sub.ID).ExpiresAt.Equal(reported))

	// A later confirmation without a period keeps the reported end.
	tr, err = m.Confirm(ctx, conn, stored, Confirmation{})
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.False(t, reload(t, conn, sub.ID).PeriodProvisional)
	assert.Equal(t, int64(1), countEvents(t, conn, enums.EventSubscriptionActivated))
}

func TestCancelledNeverReactivates(t *testing.T) {
	m, conn := newMachine(t)
	ctx := context.Background()
	user := testdb.SeedUser(t, conn, "")
	plan := testdb.SeedPlan(t, conn, "Pro", "10.00", "price_pro")
	sub := testdb.SeedSubscription(t, conn, user, plan, enums.SubscriptionStatusPending)
	end := machineNow.AddDate(0, 1, 0)

	_, err := m.Confirm(ctx, conn, sub, Confirmation{PeriodEnd: &end})
	require.NoError(t, err)

	cancelled, err := m.Cancel(ctx, conn, sub, "gateway deleted", outbox.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, cancelled.Cancelled)

	again, err := m.Cancel(ctx, conn, sub, "gateway deleted", outbox.SourceWebhook)
	require.NoError(t, err)
	assert.False(t, again.Changed)

	later := end.AddDate(0, 1, 0)
	revived, err := m.Confirm(ctx, conn, sub, Confirmation{PeriodEnd: &later})
	require.NoError(t, err)
	assert.False(t, revived.Changed)

	stored := reload(t, conn, sub.ID)
	assert.Equal(t, enums.SubscriptionStatusCancelled, stored.Status)
	require.NotNil(t, stored.CancelledAt)
	assert.False(t, stored.AutoRenew)
	assert.False(t, IsEntitled(stored, machineNow))
	assert.Equal(t, int64(1), countEvents(t, conn, enums.EventSubscriptionCancelled))
}

func TestCreateOrResetPendingReusesRowForPlan(t *testing.T) {
	m, conn := newMachine(t)
	ctx := context.Background()
	user := testdb.SeedUser(t, conn, "")
	pro := testdb.SeedPlan(t, conn, "Pro", "10.00", "price_pro")
	team := testdb.SeedPlan(t, conn, "Team", "30.00", "price_team")
	preferred := uuid.New()

	created, err := m.CreateOrResetPending(ctx, conn, PendingInput{PreferredID: preferred, UserID: user.ID, Plan: pro})
	require.NoError(t, err)
	assert.Equal(t, preferred, created.ID)
	assert.Equal(t, enums.SubscriptionStatusPending, created.Status)

	repriced := *pro
	repriced.Price = decimal.RequireFromString("12.00")

	reset, err := m.CreateOrResetPending(ctx, conn, PendingInput{PreferredID: uuid.New(), UserID: user.ID, Plan: &repriced})
	require.NoError(t, err)
	assert.Equal(t, preferred, reset.ID)
	assert.True(t, reset.Amount.Equal(repriced.Price))
	assert.Equal(t, reset.Amount.String(), reload(t, conn, preferred).Amount.String())

	other, err := m.CreateOrResetPending(ctx, conn, PendingInput{PreferredID: uuid.New(), UserID: user.ID, Plan: team})
	require.NoError(t, err)
	assert.NotEqual(t, preferred, other.ID)

	var count int64
	require.NoError(t, conn.Model(&models.Subscription{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}
