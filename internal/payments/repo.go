package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
)

// Repository handles payment transaction persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByExternalID(ctx context.Context, externalID string) (*models.PaymentTransaction, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
	Create(ctx context.Context, txn *models.PaymentTransaction) error
	Save(ctx context.Context, txn *models.PaymentTransaction) error
	CountSettledSince(ctx context.Context, userID uuid.UUID, status enums.TransactionStatus, since time.Time) (int64, error)
	FindPendingCheckout(ctx context.Context, subscriptionID uuid.UUID) (*models.PaymentTransaction, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.PaymentTransaction, error)
	ListPendingBefore(ctx context.Context, txType enums.TransactionType, before time.Time, limit int) ([]models.PaymentTransaction, error)
	MarkFailedIfPending(ctx context.Context, id uuid.UUID, note string, now time.Time) (bool, error)
	ListSettledWithNote(ctx context.Context, userID uuid.UUID, status enums.TransactionStatus, note string, since time.Time) ([]models.PaymentTransaction, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByExternalID(ctx context.Context, externalID string) (*models.PaymentTransaction, error) {
	return r.first(ctx, "external_transaction_id = ?", externalID)
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *repository) first(ctx context.Context, query string, args ...any) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	if err := r.db.WithContext(ctx).Where(query, args...).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (r *repository) Create(ctx context.Context, txn *models.PaymentTransaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) Save(ctx context.Context, txn *models.PaymentTransaction) error {
	return r.db.WithContext(ctx).Save(txn).Error
}

// CountSettledSince counts the user's rows in status that settled after
// since. Settlement time is paid_at, or the last update for rows that never
// got one (failures).
func (r *repository) CountSettledSince(ctx context.Context, userID uuid.UUID, status enums.TransactionStatus, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.PaymentTransaction{}).
		Where("user_id = ? AND status = ? AND COALESCE(paid_at, updated_at) >= ?", userID, status, since).
		Count(&count).Error
	return count, err
}

// ListSettledWithNote returns the user's rows in status carrying note that
// settled after since, newest first.
func (r *repository) ListSettledWithNote(ctx context.Context, userID uuid.UUID, status enums.TransactionStatus, note string, since time.Time) ([]models.PaymentTransaction, error) {
	var rows []models.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND notes = ? AND COALESCE(paid_at, updated_at) >= ?", userID, status, note, since).
		Order("COALESCE(paid_at, updated_at) DESC").
		Find(&rows).Error
	return rows, err
}

// FindPendingCheckout returns the newest pending checkout row for a
// subscription.
func (r *repository) FindPendingCheckout(ctx context.Context, subscriptionID uuid.UUID) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND status = ? AND type = ?", subscriptionID, enums.TransactionStatusPending, enums.TransactionTypeSubscription).
		Order("created_at DESC").
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (r *repository) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.PaymentTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) ListPendingBefore(ctx context.Context, txType enums.TransactionType, before time.Time, limit int) ([]models.PaymentTransaction, error) {
	var rows []models.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND type = ? AND created_at < ?", enums.TransactionStatusPending, txType, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkFailedIfPending flips a row to failed only if it is still pending, so a
// webhook that completed it concurrently wins.
func (r *repository) MarkFailedIfPending(ctx context.Context, id uuid.UUID, note string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.PaymentTransaction{}).
		Where("id = ? AND status = ?", id, enums.TransactionStatusPending).
		Updates(map[string]any{
			"status":     enums.TransactionStatusFailed,
			"notes":      note,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
