package outbox

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
)

const defaultDLQPage = 50

// ErrNotInDLQ is returned by Requeue for an event that was never parked.
var ErrNotInDLQ = errors.New("outbox: event not in dead letter queue")

// DLQFilter narrows List. Zero values match everything.
type DLQFilter struct {
	Reason enums.OutboxDLQErrorReason
	Limit  int
}

type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errNoTx
	}
	if entry.ErrorMessage != nil {
		msg := clip(*entry.ErrorMessage)
		entry.ErrorMessage = &msg
	}
	return tx.Create(&entry).Error
}

// FindByEventID returns nil without error when nothing is parked under eventID.
func (r *DLQRepository) FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.OutboxDLQ, error) {
	var row models.OutboxDLQ
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &row, nil
}

// List returns the most recently parked entries first.
func (r *DLQRepository) List(ctx context.Context, filter DLQFilter) ([]models.OutboxDLQ, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultDLQPage
	}
	q := r.db.WithContext(ctx)
	if filter.Reason != "" {
		q = q.Where("error_reason = ?", filter.Reason)
	}
	var rows []models.OutboxDLQ
	err := q.Order("failed_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

func (r *DLQRepository) CountByReason(ctx context.Context) (map[string]int64, error) {
	var groups []struct {
		ErrorReason string
		Total       int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.OutboxDLQ{}).
		Select("error_reason, COUNT(*) AS total").
		Group("error_reason").
		Scan(&groups).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(groups))
	for _, g := range groups {
		counts[g.ErrorReason] = g.Total
	}
	return counts, nil
}

// Requeue drops the DLQ entry for eventID and hands the outbox row back to
// the publisher with its attempts reset. The two writes share a transaction.
// The returned flag is false when the outbox row was pruned or already
// delivered; the DLQ entry is removed either way.
func (r *DLQRepository) Requeue(ctx context.Context, outboxRepo *Repository, eventID uuid.UUID) (bool, error) {
	var requeued bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("event_id = ?", eventID).Delete(&models.OutboxDLQ{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotInDLQ
		}
		ok, err := outboxRepo.RequeueTx(tx, eventID)
		requeued = ok
		return err
	})
	return requeued, err
}
