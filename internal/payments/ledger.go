package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/billing-reconciler/pkg/db"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox/payloads"
)

const insertSavepoint = "ledger_insert"

// BackupNote marks completed rows recorded from a bare payment intent, so
// the invoice that charged it can take the row over.
const BackupNote = "recorded from payment intent"

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type LedgerParams struct {
	Repo    Repository
	Outbox  outboxPublisher
	Gateway string
	Clock   func() time.Time
}

// Ledger owns payment_transactions. Every write is keyed by the gateway's
// external transaction id and runs inside the caller's transaction.
type Ledger struct {
	repo    Repository
	outbox  outboxPublisher
	gateway string
	now     func() time.Time
}

func NewLedger(params LedgerParams) (*Ledger, error) {
	if params.Repo == nil {
		return nil, errors.New("ledger repository required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox publisher required")
	}
	if strings.TrimSpace(params.Gateway) == "" {
		return nil, errors.New("gateway name required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		repo:    params.Repo,
		outbox:  params.Outbox,
		gateway: params.Gateway,
		now:     clock,
	}, nil
}

// Fields is the state a webhook or checkout wants the ledger row to carry.
// Zero values leave the stored column untouched on update.
type Fields struct {
	UserID          uuid.UUID
	SubscriptionID  *uuid.UUID
	Amount          decimal.Decimal
	Currency        string
	Status          enums.TransactionStatus
	Type            enums.TransactionType
	PaymentDetails  json.RawMessage
	GatewayResponse json.RawMessage
	PaidAt          *time.Time
	Notes           *string
	Source          string
}

// Result reports what RecordOrUpdate did. Completed and Failed are true only
// when this call moved the row into that status.
type Result struct {
	Transaction *models.PaymentTransaction
	Created     bool
	Completed   bool
	Failed      bool
}

// Changed is false for a pure replay.
func (r *Result) Changed() bool {
	return r.Created || r.Completed || r.Failed
}

// Lookup reads a row by external id inside tx.
func (l *Ledger) Lookup(ctx context.Context, tx *gorm.DB, externalID string) (*models.PaymentTransaction, error) {
	return l.repo.WithTx(tx).FindByExternalID(ctx, externalID)
}

// RecordOrUpdate upserts the ledger row for externalID. Found rows are
// updated in place; a completed row is never moved back to pending or
// failed and a refunded row is left alone. A concurrent insert of the same
// key is treated as a replay and the winning row is returned.
func (l *Ledger) RecordOrUpdate(ctx context.Context, tx *gorm.DB, externalID string, f Fields) (*Result, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external transaction id required")
	}
	if !f.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid transaction status %q", f.Status))
	}

	repo := l.repo.WithTx(tx)
	existing, err := repo.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}

	var result *Result
	if existing != nil {
		result, err = l.update(ctx, repo, existing, f)
	} else {
		result, err = l.insert(ctx, tx, repo, externalID, f)
	}
	if err != nil {
		return nil, err
	}

	if err := l.emitTransition(ctx, tx, result, f.Source); err != nil {
		return nil, err
	}
	return result, nil
}

func (l *Ledger) update(ctx context.Context, repo Repository, txn *models.PaymentTransaction, f Fields) (*Result, error) {
	result := &Result{Transaction: txn}
	if txn.Status.IsTerminal() {
		return result, nil
	}

	dirty := false
	prev := txn.Status
	if allowTransition(prev, f.Status) && prev != f.Status {
		txn.Status = f.Status
		dirty = true
	}
	if amount := f.Amount.Round(2); amount.IsPositive() && prev != enums.TransactionStatusCompleted && !amount.Equal(txn.Amount) {
		txn.Amount = amount
		dirty = true
	}
	if f.Currency != "" && txn.Currency == "" {
		txn.Currency = strings.ToLower(f.Currency)
		dirty = true
	}
	if txn.SubscriptionID == nil && f.SubscriptionID != nil {
		txn.SubscriptionID = f.SubscriptionID
		dirty = true
	}
	if len(txn.PaymentDetails) == 0 && len(f.PaymentDetails) > 0 {
		txn.PaymentDetails = f.PaymentDetails
		dirty = true
	}
	if len(f.GatewayResponse) > 0 && dirty {
		txn.GatewayResponse = f.GatewayResponse
	}
	if txn.Status == enums.TransactionStatusCompleted && txn.PaidAt == nil {
		paidAt := l.now()
		if f.PaidAt != nil {
			paidAt = *f.PaidAt
		}
		txn.PaidAt = &paidAt
		dirty = true
	}
	if f.Notes != nil && dirty {
		txn.Notes = f.Notes
	}
	if !dirty {
		return result, nil
	}

	if err := repo.Save(ctx, txn); err != nil {
		return nil, err
	}
	result.Completed = prev != enums.TransactionStatusCompleted && txn.Status == enums.TransactionStatusCompleted
	result.Failed = prev != enums.TransactionStatusFailed && txn.Status == enums.TransactionStatusFailed
	return result, nil
}

func (l *Ledger) insert(ctx context.Context, tx *gorm.DB, repo Repository, externalID string, f Fields) (*Result, error) {
	if f.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required for a new ledger row")
	}
	if !f.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid transaction type %q", f.Type))
	}
	currency := strings.ToLower(strings.TrimSpace(f.Currency))
	if currency == "" {
		currency = "usd"
	}
	txn := &models.PaymentTransaction{
		UserID:                f.UserID,
		SubscriptionID:        f.SubscriptionID,
		ExternalTransactionID: externalID,
		Gateway:               l.gateway,
		Amount:                f.Amount.Round(2),
		Currency:              currency,
		Status:                f.Status,
		Type:                  f.Type,
		PaymentDetails:        f.PaymentDetails,
		GatewayResponse:       f.GatewayResponse,
		PaidAt:                f.PaidAt,
		Notes:                 f.Notes,
	}
	if txn.Status == enums.TransactionStatusCompleted && txn.PaidAt == nil {
		paidAt := l.now()
		txn.PaidAt = &paidAt
	}

	if err := tx.SavePoint(insertSavepoint).Error; err != nil {
		return nil, err
	}
	if err := repo.Create(ctx, txn); err != nil {
		if !dbpkg.IsUniqueViolation(err, models.ExternalTransactionIDConstraint) {
			return nil, err
		}
		if rbErr := tx.RollbackTo(insertSavepoint).Error; rbErr != nil {
			return nil, rbErr
		}
		winner, findErr := repo.FindByExternalID(ctx, externalID)
		if findErr != nil {
			return nil, findErr
		}
		if winner == nil {
			return nil, err
		}
		return &Result{Transaction: winner}, nil
	}
	return &Result{
		Transaction: txn,
		Created:     true,
		Completed:   txn.Status == enums.TransactionStatusCompleted,
		Failed:      txn.Status == enums.TransactionStatusFailed,
	}, nil
}

// allowTransition keeps completed rows from regressing when an older
// pending or failure notification arrives after the success.
func allowTransition(from, to enums.TransactionStatus) bool {
	switch from {
	case enums.TransactionStatusRefunded:
		return false
	case enums.TransactionStatusCompleted:
		return to == enums.TransactionStatusCompleted || to == enums.TransactionStatusRefunded
	default:
		return true
	}
}

func (l *Ledger) emitTransition(ctx context.Context, tx *gorm.DB, result *Result, source string) error {
	var eventType enums.OutboxEventType
	switch {
	case result.Completed:
		eventType = enums.EventPaymentCompleted
	case result.Failed:
		eventType = enums.EventPaymentFailed
	default:
		return nil
	}
	if source == "" {
		source = outbox.SourceWebhook
	}
	txn := result.Transaction
	userID := txn.UserID
	return l.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregatePaymentTransaction,
		AggregateID:   txn.ID,
		Actor:         &outbox.ActorRef{UserID: &userID, Source: source},
		OccurredAt:    l.now(),
		Data: payloads.PaymentStatusEvent{
			TransactionID:         txn.ID,
			UserID:                txn.UserID,
			SubscriptionID:        txn.SubscriptionID,
			ExternalTransactionID: txn.ExternalTransactionID,
			Gateway:               txn.Gateway,
			Amount:                txn.Amount,
			Currency:              txn.Currency,
			Status:                txn.Status,
			Type:                  txn.Type,
			PaidAt:                txn.PaidAt,
		},
	})
}

// HasRecentCompleted reports whether the user has a row that completed
// within window of now. Backup handlers use it before inserting a row under
// a different key than the primary handler would.
func (l *Ledger) HasRecentCompleted(ctx context.Context, tx *gorm.DB, userID uuid.UUID, window time.Duration, now time.Time) (bool, error) {
	return l.hasRecent(ctx, tx, userID, enums.TransactionStatusCompleted, window, now)
}

// HasRecentFailed is the failure-side counterpart of HasRecentCompleted.
func (l *Ledger) HasRecentFailed(ctx context.Context, tx *gorm.DB, userID uuid.UUID, window time.Duration, now time.Time) (bool, error) {
	return l.hasRecent(ctx, tx, userID, enums.TransactionStatusFailed, window, now)
}

func (l *Ledger) hasRecent(ctx context.Context, tx *gorm.DB, userID uuid.UUID, status enums.TransactionStatus, window time.Duration, now time.Time) (bool, error) {
	if window <= 0 {
		return false, nil
	}
	count, err := l.repo.WithTx(tx).CountSettledSince(ctx, userID, status, now.Add(-window))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// FindRecentBackup returns the user's newest completed BackupNote row of
// amount that settled within window of now, or nil.
func (l *Ledger) FindRecentBackup(ctx context.Context, tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal, window time.Duration, now time.Time) (*models.PaymentTransaction, error) {
	if window <= 0 {
		return nil, nil
	}
	rows, err := l.repo.WithTx(tx).ListSettledWithNote(ctx, userID, enums.TransactionStatusCompleted, BackupNote, now.Add(-window))
	if err != nil {
		return nil, err
	}
	amount = amount.Round(2)
	for i := range rows {
		if rows[i].Amount.Equal(amount) {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// Relink points a row at the subscription and type named by the event that
// actually charged it. It reports whether anything was written.
func (l *Ledger) Relink(ctx context.Context, tx *gorm.DB, txn *models.PaymentTransaction, subscriptionID uuid.UUID, txType enums.TransactionType) (bool, error) {
	if txn == nil {
		return false, errors.New("transaction required")
	}
	if !txType.IsValid() {
		return false, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid transaction type %q", txType))
	}
	if txn.SubscriptionID != nil && *txn.SubscriptionID == subscriptionID && txn.Type == txType {
		return false, nil
	}
	txn.SubscriptionID = &subscriptionID
	txn.Type = txType
	if err := l.repo.WithTx(tx).Save(ctx, txn); err != nil {
		return false, err
	}
	return true, nil
}

// PendingInput describes the row checkout writes before any webhook arrives.
type PendingInput struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	SubscriptionID uuid.UUID
	ExternalID     string
	Amount         decimal.Decimal
	Currency       string
	PaymentDetails json.RawMessage
}

// CreatePending inserts the pending subscription-type row for a new checkout
// session. The session id is new, so an existing row is a conflict.
func (l *Ledger) CreatePending(ctx context.Context, tx *gorm.DB, input PendingInput) (*models.PaymentTransaction, error) {
	subscriptionID := input.SubscriptionID
	currency := strings.ToLower(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = "usd"
	}
	txn := &models.PaymentTransaction{
		ID:                    input.ID,
		UserID:                input.UserID,
		SubscriptionID:        &subscriptionID,
		ExternalTransactionID: input.ExternalID,
		Gateway:               l.gateway,
		Amount:                input.Amount.Round(2),
		Currency:              currency,
		Status:                enums.TransactionStatusPending,
		Type:                  enums.TransactionTypeSubscription,
		PaymentDetails:        input.PaymentDetails,
	}
	if err := l.repo.WithTx(tx).Create(ctx, txn); err != nil {
		if dbpkg.IsUniqueViolation(err, models.ExternalTransactionIDConstraint) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "checkout session already recorded")
		}
		return nil, err
	}
	return txn, nil
}

func (l *Ledger) FindByExternalID(ctx context.Context, externalID string) (*models.PaymentTransaction, error) {
	txn, err := l.repo.FindByExternalID(ctx, strings.TrimSpace(externalID))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction")
	}
	if txn == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
	}
	return txn, nil
}

func (l *Ledger) FindByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.PaymentTransaction, error) {
	return l.repo.WithTx(tx).FindByID(ctx, id)
}

// PendingCheckout returns the open checkout row for a subscription, if any.
func (l *Ledger) PendingCheckout(ctx context.Context, tx *gorm.DB, subscriptionID uuid.UUID) (*models.PaymentTransaction, error) {
	return l.repo.WithTx(tx).FindPendingCheckout(ctx, subscriptionID)
}

// ListForUser returns the user's rows, newest first.
func (l *Ledger) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.PaymentTransaction, error) {
	rows, err := l.repo.ListForUser(ctx, userID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list transactions")
	}
	return rows, nil
}

// ExpireStalePending fails checkout rows still pending after ttl. Each row
// flips only if still pending, and a payment.failed event is queued for it.
func (l *Ledger) ExpireStalePending(ctx context.Context, tx *gorm.DB, ttl time.Duration, limit int) ([]models.PaymentTransaction, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if limit <= 0 {
		limit = 100
	}
	now := l.now()
	repo := l.repo.WithTx(tx)
	stale, err := repo.ListPendingBefore(ctx, enums.TransactionTypeSubscription, now.Add(-ttl), limit)
	if err != nil {
		return nil, err
	}

	note := fmt.Sprintf("checkout abandoned: no payment within %s", ttl)
	expired := make([]models.PaymentTransaction, 0, len(stale))
	for i := range stale {
		txn := stale[i]
		ok, err := repo.MarkFailedIfPending(ctx, txn.ID, note, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		txn.Status = enums.TransactionStatusFailed
		txn.Notes = &note
		if err := l.emitTransition(ctx, tx, &Result{Transaction: &txn, Failed: true}, outbox.SourceCron); err != nil {
			return nil, err
		}
		expired = append(expired, txn)
	}
	return expired, nil
}
