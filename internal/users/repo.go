package users

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
)

var errEmptyCustomerID = errors.New("gateway customer id is required")

// Repository reads accounts and records their payment gateway customer.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx scopes the repository to tx; nil keeps the current handle.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// FindByID returns nil, nil for unknown users.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return r.findOne(ctx, "id = ?", id)
}

// FindByGatewayCustomerID resolves the account behind a gateway customer.
func (r *Repository) FindByGatewayCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, nil
	}
	return r.findOne(ctx, "gateway_customer_id = ?", customerID)
}

// LinkGatewayCustomer sets the customer id only when none is stored yet and
// reports whether this call wrote it. A concurrent checkout that lost the
// race gets false and must reload the user.
func (r *Repository) LinkGatewayCustomer(ctx context.Context, id uuid.UUID, customerID string) (bool, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return false, errEmptyCustomerID
	}
	res := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND gateway_customer_id IS NULL", id).
		UpdateColumn("gateway_customer_id", customerID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) findOne(ctx context.Context, query string, args ...any) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where(query, args...).Take(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &user, nil
}
