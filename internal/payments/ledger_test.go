package payments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/internal/testdb"
	"github.com/angelmondragon/billing-reconciler/pkg/db"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
)

type ledgerFixture struct {
	ledger *Ledger
	conn   *gorm.DB
	client *db.Client
	now    time.Time
}

func newLedgerFixture(t *testing.T, repo func(*gorm.DB) Repository) *ledgerFixture {
	t.Helper()
	conn := testdb.Open(t)
	if repo == nil {
		repo = NewRepository
	}
	f := &ledgerFixture{conn: conn, client: db.NewWithConn(conn), now: time.Now().UTC()}
	ledger, err := NewLedger(LedgerParams{
		Repo:    repo(conn),
		Outbox:  outbox.NewService(outbox.NewRepository(conn), nil),
		Gateway: "stripe",
		Clock:   func() time.Time { return f.now },
	})
	require.NoError(t, err)
	f.ledger = ledger
	return f
}

func (f *ledgerFixture) record(t *testing.T, externalID string, fields Fields) *Result {
	t.Helper()
	var result *Result
	err := f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		result, err = f.ledger.RecordOrUpdate(context.Background(), tx, externalID, fields)
		return err
	})
	require.NoError(t, err)
	return result
}

func (f *ledgerFixture) events(t *testing.T) []models.OutboxEvent {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, f.conn.Order("created_at ASC").Find(&rows).Error)
	return rows
}

func completed(userID uuid.UUID, amount string) Fields {
	return Fields{
		UserID:          userID,
		Amount:          decimal.RequireFromString(amount),
		Currency:        "USD",
		Status:          enums.TransactionStatusCompleted,
		Type:            enums.TransactionTypeRenewal,
		GatewayResponse: json.RawMessage(`{"id":"evt_1"}`),
	}
}

func TestRecordOrUpdateInsertsOnceAndReplaysAsNoop(t *testing.T) {
	f := newLedgerFixture(t, nil)
	user := testdb.SeedUser(t, f.conn, "cus_1")

	first := f.record(t, "in_1", completed(user.ID, "19.99"))
	assert.True(t, first.Created)
	assert.True(t, first.Completed)
	require.NotNil(t, first.Transaction.PaidAt)
	assert.Equal(t, "usd", first.Transaction.Currency)
	assert.Equal(t, "stripe", first.Transaction.Gateway)

	second := f.record(t, "in_1", completed(user.ID, "19.99"))
	assert.False(t, second.Changed())
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	var count int64
	require.NoError(t, f.conn.Model(&models.PaymentTransaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	events := f.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, enums.EventPaymentCompleted, events[0].EventType)
}

func TestRecordOrUpdateCompletesPendingCheckoutRow(t *testing.T) {
	f := newLedgerFixture(t, nil)
	user := testdb.SeedUser(t, f.conn, "cus_1")
	subID := uuid.New()
	txID := uuid.New()

	err := f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := f.ledger.CreatePending(context.Background(), tx, PendingInput{
			ID:             txID,
			UserID:         user.ID,
			SubscriptionID: subID,
			ExternalID:     "cs_1",
			Amount:         decimal.RequireFromString("29.00"),
			Currency:       "usd",
			PaymentDetails: json.RawMessage(`{"plan_id":"p"}`),
		})
		return err
	})
	require.NoError(t, err)

	result := f.record(t, "cs_1", Fields{
		Status: enums.TransactionStatusCompleted,
		Amount: decimal.RequireFromString("24.00"),
	})
	assert.False(t, result.Created)
	assert.True(t, result.Completed)
	assert.Equal(t, txID, result.Transaction.ID)
	assert.Equal(t, enums.TransactionTypeSubscription, result.Transaction.Type)
	assert.True(t, result.Transaction.Amount.Equal(decimal.RequireFromString("24")))
	require.NotNil(t, result.Transaction.SubscriptionID)
	assert.Equal(t, subID, *result.Transaction.SubscriptionID)
	require.NotNil(t, result.Transaction.PaidAt)

	replay := f.record(t, "cs_1", Fields{Status: enums.TransactionStatusCompleted, Amount: decimal.RequireFromString("99")})
	assert.False(t, replay.Changed())
	assert.True(t, replay.Transaction.Amount.Equal(decimal.RequireFromString("24")))
	assert.Len(t, f.events(t), 1)
}

func TestCreatePendingRejectsKnownSession(t *testing.T) {
	f := newLedgerFixture(t, nil)
	user := testdb.SeedUser(t, f.conn, "")
	input := PendingInput{UserID: user.ID, SubscriptionID: uuid.New(), ExternalID: "cs_dup", Amount: decimal.NewFromInt(5)}

	require.NoError(t, f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := f.ledger.CreatePending(context.Background(), tx, input)
		return err
	}))
	err := f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := f.ledger.CreatePending(context.Background(), tx, input)
		return err
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
}

func TestCompletedRowIsNotRegressedByLateFailure(t *testing.T) {
	f := newLedgerFixture(t, nil)
	user := testdb.SeedUser(t, f.conn, "")

	f.record(t, "pi_1", completed(user.ID, "10"))
	late := f.record(t, "pi_1", Fields{Status: enums.TransactionStatusFailed})
	assert.False(t, late.Failed)
	assert.Equal(t, enums.TransactionStatusCompleted, late.Transaction.Status)

	stored, err := f.ledger.FindByExternalID(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusCompleted, stored.Status)
}

func TestFailedRowCanLaterComplete(t *testing.T) {
	f := newLedgerFixture(t, nil)
	user := testdb.SeedUser(t, f.conn, "")

	failed := f.record(t, "in_retry", Fields{
		UserID: user.ID,
		Amount: decimal.NewFromInt(10),
		Status: enums.TransactionStatusFailed,
		Type:   enums.TransactionTypeRenewal,
	})
	assert.True(t, failed.Failed)
	assert.Nil(t, failed.Transaction.PaidAt)

	done := f.record(t, "in_retry", Fields{Status: enums.TransactionStatusCompleted})
	assert.True(t, done.Completed)

	events := f.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, enums.EventPaymentFailed, events[0].EventType)
	assert.Equal(t, enums.EventPaymentCompleted, events[1].EventType)
}

func TestRecordOrUpdateValidatesInput(t *testing.T) {
	f := newLedgerFixture(t, nil)
	ctx := context.Background()

	err := f.client.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := f.ledger.RecordOrUpdate(ctx, tx, " ", completed(uuid.New(), "1"))
		return err
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	err = f.client.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := f.ledger.RecordOrUpdate(ctx, tx, "in_x", Fields{Status: enums.TransactionStatusCompleted, Type: enums.TransactionTypeRenewal})
		return err
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = f.ledger.RecordOrUpdate(ctx, nil, "in_x", completed(uuid.New(), "1"))
	assert.Error(t, err)
}

// racingRepo hides existing rows from the first lookup to reproduce two
// handlers inserting the same key at once.
type racingRepo struct {
	Repository
	misses *int
}

func (r *racingRepo) WithTx(tx *gorm.DB) Repository {
	return &racingRepo{Repository: r.Repository.WithTx(tx), misses: r.misses}
}

func (r *racingRepo) FindByExternalID(ctx context.Context, externalID string) (*models.PaymentTransaction, error) {
	if *r.misses > 0 {
		*r.misses--
		return nil, nil
	}
	return r.Repository.FindByExternalID(ctx, externalID)
}

func TestConcurrentInsertResolvesToWinner(t *testing.T) {
	misses := 0
	f := newLedgerFixture(t, func(conn *gorm.DB) Repository {
		return &racingRepo{Repository: NewRepository(conn), misses: &misses}
	})
	user := testdb.SeedUser(t, f.conn, "")

	winner := f.record(t, "in_race", completed(user.ID, "12"))
	require.True(t, winner.Created)

	misses = 1
	loser := f.record(t, "in_race", completed(user.ID, "12"))
	assert.False(t, loser.Changed())
	assert.Equal(t, winner.Transaction.ID, loser.Transaction.ID)
	assert.Len(t, f.events(t), 1)
}

func TestHasRecentCompletedRespectsWindow(t *testing.T) {
	f := newLedgerFixture(t, nil)
	user := testdb.SeedUser(t, f.conn, "")
	other := testdb.SeedUser(t, f.conn, "")
	ctx := context.Background()

	f.record(t, "in_recent", completed(user.ID, "10"))

	recent, err := f.ledger.HasRecentCompleted(ctx, f.conn, user.ID, 5*time.Minute, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, recent)

	later, err := f.ledger.HasRecentCompleted(ctx, f.conn, user.ID, 5*time.Minute, time.Now().UTC().Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, later)

	stranger, err := f.ledger.HasRecentCompleted(ctx, f.conn, other.ID, 5*time.Minute, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, stranger)

	failed, err := f.ledger.HasRecentFailed(ctx, f.conn, user.ID, 5*time.Minute, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, failed)
}

func TestFindRecentBackupMatchesMarkedRowOfSameAmount(t *testing.T) {
	f := newLedgerFixture(t, nil)
	user := testdb.SeedUser(t, f.conn, "")
	ctx := context.Background()
	note := BackupNote

	backup := completed(user.ID, "9.99")
	backup.Notes = &note
	f.record(t, "pi_backup", backup)
	f.record(t, "in_primary", completed(user.ID, "9.99"))

	found, err := f.ledger.FindRecentBackup(ctx, f.conn, user.ID, decimal.RequireFromString("9.99"), 5*time.Minute, f.now)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "pi_backup", found.ExternalTransactionID)

	otherAmount, err := f.ledger.FindRecentBackup(ctx, f.conn, user.ID, decimal.RequireFromString("19.99"), 5*time.Minute, f.now)
	require.NoError(t, err)
	assert.Nil(t, otherAmount)

	later, err := f.ledger.FindRecentBackup(ctx, f.conn, user.ID, decimal.RequireFromString("9.99"), 5*time.Minute, f.now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, later)
}

func TestRelinkAttachesSubscriptionAndType(t *testing.T) {
	f := newLedgerFixture(t, nil)
	user := testdb.SeedUser(t, f.conn, "")
	plan := testdb.SeedPlan(t, f.conn, "Pro", "9.99", "price_pro")
	sub := testdb.SeedSubscription(t, f.conn, user, plan, enums.SubscriptionStatusActive)
	ctx := context.Background()

	fields := completed(user.ID, "9.99")
	fields.Type = enums.TransactionTypeSubscription
	row := f.record(t, "pi_loose", fields).Transaction

	changed, err := f.ledger.Relink(ctx, f.conn, row, sub.ID, enums.TransactionTypeRenewal)
	require.NoError(t, err)
	assert.True(t, changed)

	var stored models.PaymentTransaction
	require.NoError(t, f.conn.First(&stored, "id = ?", row.ID).Error)
	require.NotNil(t, stored.SubscriptionID)
	assert.Equal(t, sub.ID, *stored.SubscriptionID)
	assert.Equal(t, enums.TransactionTypeRenewal, stored.Type)

	again, err := f.ledger.Relink(ctx, f.conn, &stored, sub.ID, enums.TransactionTypeRenewal)
	require.NoError(t, err)
	assert.False(t, again)

	_, err = f.ledger.Relink(ctx, f.conn, &stored, sub.ID, enums.TransactionType("gift"))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestExpireStalePendingFailsOnlyPendingCheckoutRows(t *testing.T) {
	f := newLedgerFixture(t, nil)
	user := testdb.SeedUser(t, f.conn, "")
	ctx := context.Background()

	require.NoError(t, f.client.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := f.ledger.CreatePending(ctx, tx, PendingInput{UserID: user.ID, SubscriptionID: uuid.New(), ExternalID: "cs_stale", Amount: decimal.NewFromInt(9)})
		return err
	}))
	f.record(t, "cs_paid", Fields{
		UserID: user.ID,
		Amount: decimal.NewFromInt(9),
		Status: enums.TransactionStatusCompleted,
		Type:   enums.TransactionTypeSubscription,
	})

	f.now = time.Now().UTC().Add(48 * time.Hour)
	var expired []models.PaymentTransaction
	require.NoError(t, f.client.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		expired, err = f.ledger.ExpireStalePending(ctx, tx, 24*time.Hour, 10)
		return err
	}))
	require.Len(t, expired, 1)
	assert.Equal(t, "cs_stale", expired[0].ExternalTransactionID)

	stale, err := f.ledger.FindByExternalID(ctx, "cs_stale")
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusFailed, stale.Status)
	require.NotNil(t, stale.Notes)
	assert.Contains(t, *stale.Notes, "checkout abandoned")

	paid, err := f.ledger.FindByExternalID(ctx, "cs_paid")
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusCompleted, paid.Status)

	var failedEvents int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventPaymentFailed).Count(&failedEvents).Error)
	assert.Equal(t, int64(1), failedEvents)
}

func TestListForUserNewestFirst(t *testing.T) {
	f := newLedgerFixture(t, nil)
	user := testdb.SeedUser(t, f.conn, "")
	base := time.Now().UTC().Add(-time.Hour)

	for i, ext := range []string{"in_a", "in_b", "in_c"} {
		require.NoError(t, f.conn.Create(&models.PaymentTransaction{
			UserID:                user.ID,
			ExternalTransactionID: ext,
			Gateway:               "stripe",
			Amount:                decimal.NewFromInt(1),
			Currency:              "usd",
			Status:                enums.TransactionStatusCompleted,
			Type:                  enums.TransactionTypeRenewal,
			CreatedAt:             base.Add(time.Duration(i) * time.Minute),
		}).Error)
	}

	rows, err := f.ledger.ListForUser(context.Background(), user.ID, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "in_c", rows[0].ExternalTransactionID)
	assert.Equal(t, "in_b", rows[1].ExternalTransactionID)
}
