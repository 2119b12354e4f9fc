package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
)

// Repository handles subscription persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
	FindPendingForUserPlan(ctx context.Context, userID, planID uuid.UUID) (*models.Subscription, error)
	FindLatestEntitled(ctx context.Context, userID uuid.UUID, now time.Time) (*models.Subscription, error)
	FindLatest(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	FindLatestActive(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	Create(ctx context.Context, sub *models.Subscription) error
	Save(ctx context.Context, sub *models.Subscription) error
	SetExternalIDIfEmpty(ctx context.Context, id uuid.UUID, externalID string) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a subscription repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repository) FindByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	return r.first(r.db.WithContext(ctx).Where("external_subscription_id = ?", externalID))
}

func (r *repository) FindPendingForUserPlan(ctx context.Context, userID, planID uuid.UUID) (*models.Subscription, error) {
	return r.first(r.db.WithContext(ctx).
		Where("user_id = ? AND plan_id = ? AND status = ?", userID, planID, enums.SubscriptionStatusPending).
		Order("created_at DESC"))
}

// FindLatestEntitled returns the newest active row whose paid period has not ended.
func (r *repository) FindLatestEntitled(ctx context.Context, userID uuid.UUID, now time.Time) (*models.Subscription, error) {
	return r.first(r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND expires_at IS NOT NULL AND expires_at > ?", userID, enums.SubscriptionStatusActive, now).
		Order("created_at DESC"))
}

func (r *repository) FindLatest(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return r.first(r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC"))
}

// FindLatestActive ignores expires_at: a renewal charge usually lands just
// after the paid period ended.
func (r *repository) FindLatestActive(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return r.first(r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, enums.SubscriptionStatusActive).
		Order("created_at DESC"))
}

func (r *repository) first(query *gorm.DB) (*models.Subscription, error) {
	var sub models.Subscription
	if err := query.First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) Create(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *repository) Save(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

// SetExternalIDIfEmpty links a gateway subscription id exactly once.
func (r *repository) SetExternalIDIfEmpty(ctx context.Context, id uuid.UUID, externalID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND external_subscription_id IS NULL", id).
		Updates(map[string]any{
			"external_subscription_id": externalID,
			"updated_at":               time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
