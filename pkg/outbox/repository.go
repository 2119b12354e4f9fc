package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
)

// lastErrorLimit bounds the error text stored on outbox and DLQ rows.
const lastErrorLimit = 1024

var errNoTx = errors.New("outbox: transaction required")

// Repository reads and updates outbox_events. Write methods suffixed Tx
// expect the caller's transaction.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(tx *gorm.DB, event models.OutboxEvent) error {
	if tx == nil {
		return errNoTx
	}
	return tx.Create(&event).Error
}

// FetchUnpublishedForPublish returns the oldest pending rows that still
// have attempts left. On postgres the rows are locked with SKIP LOCKED so
// publisher replicas split the backlog instead of racing on it.
func (r *Repository) FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	if tx == nil {
		return nil, errNoTx
	}
	q := pending(tx)
	if maxAttempts > 0 {
		q = q.Where("attempt_count < ?", maxAttempts)
	}
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var batch []models.OutboxEvent
	if err := q.Order("created_at, id").Limit(limit).Find(&batch).Error; err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *Repository) CountUnpublished(ctx context.Context) (int64, error) {
	var n int64
	err := pending(r.db.WithContext(ctx).Model(&models.OutboxEvent{})).Count(&n).Error
	return n, err
}

func (r *Repository) MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error {
	return r.update(tx, id, map[string]any{"published_at": time.Now().UTC()})
}

// MarkFailedTx records a retryable failure and spends one attempt.
func (r *Repository) MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error {
	return r.update(tx, id, map[string]any{
		"attempt_count": gorm.Expr("attempt_count + 1"),
		"last_error":    clipError(err),
	})
}

// MarkTerminalTx pins attempt_count at terminalAttempts, which takes the
// row out of FetchUnpublishedForPublish for good.
func (r *Repository) MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error {
	return r.update(tx, id, map[string]any{
		"attempt_count": terminalAttempts,
		"last_error":    clipError(err),
	})
}

// RequeueTx gives an undelivered row a fresh set of attempts. It reports
// false when the row is gone or was already published.
func (r *Repository) RequeueTx(tx *gorm.DB, id uuid.UUID) (bool, error) {
	if tx == nil {
		return false, errNoTx
	}
	res := pending(tx.Model(&models.OutboxEvent{})).
		Where("id = ?", id).
		Updates(map[string]any{"attempt_count": 0, "last_error": nil})
	return res.RowsAffected > 0, res.Error
}

// DeletePublishedBefore removes up to limit delivered rows published before
// cutoff, oldest first. Pending rows are left alone whatever their age. A
// non-positive limit removes every match.
func (r *Repository) DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	if tx == nil {
		return 0, errNoTx
	}
	tx = tx.WithContext(ctx)
	expired := func(q *gorm.DB) *gorm.DB {
		return q.Where("published_at IS NOT NULL").Where("published_at < ?", cutoff)
	}
	var res *gorm.DB
	if limit > 0 {
		ids := expired(tx.Model(&models.OutboxEvent{})).Select("id").Order("published_at").Limit(limit)
		res = tx.Where("id IN (?)", ids).Delete(&models.OutboxEvent{})
	} else {
		res = expired(tx).Delete(&models.OutboxEvent{})
	}
	return res.RowsAffected, res.Error
}

func (r *Repository) update(tx *gorm.DB, id uuid.UUID, cols map[string]any) error {
	if tx == nil {
		return errNoTx
	}
	return tx.Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(cols).Error
}

func pending(q *gorm.DB) *gorm.DB {
	return q.Where("published_at IS NULL")
}

func clipError(err error) string {
	if err == nil {
		return ""
	}
	return clip(err.Error())
}

func clip(msg string) string {
	if len(msg) > lastErrorLimit {
		return msg[:lastErrorLimit]
	}
	return msg
}
