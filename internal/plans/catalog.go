package plans

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
)

// ErrPlanNotFound is the typed miss returned by Resolve and Get.
var ErrPlanNotFound = errors.New("plan not found")

// Catalog maps gateway price ids and plan ids to subscription plans.
type Catalog struct {
	repo Repository
}

func NewCatalog(repo Repository) (*Catalog, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "plan repository required")
	}
	return &Catalog{repo: repo}, nil
}

// WithTx binds reads to tx so callers inside a transaction see its writes.
func (c *Catalog) WithTx(tx *gorm.DB) *Catalog {
	return &Catalog{repo: c.repo.WithTx(tx)}
}

// Resolve returns the plan joined to externalPriceID. Inactive plans still
// resolve so events for existing subscriptions are not dropped.
func (c *Catalog) Resolve(ctx context.Context, externalPriceID string) (*models.SubscriptionPlan, error) {
	priceID := strings.TrimSpace(externalPriceID)
	if priceID == "" {
		return nil, notFound("price id missing")
	}
	plan, err := c.repo.FindByExternalPriceID(ctx, priceID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve plan by price")
	}
	if plan == nil {
		return nil, notFound("no plan for price " + priceID)
	}
	return plan, nil
}

func (c *Catalog) Get(ctx context.Context, id uuid.UUID) (*models.SubscriptionPlan, error) {
	plan, err := c.repo.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil {
		return nil, notFound("plan " + id.String() + " not found")
	}
	return plan, nil
}

// GetByName looks a plan up by its unique name, as coupons reference plans.
func (c *Catalog) GetByName(ctx context.Context, name string) (*models.SubscriptionPlan, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, notFound("plan name missing")
	}
	plan, err := c.repo.FindByName(ctx, name)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan by name")
	}
	if plan == nil {
		return nil, notFound("plan " + name + " not found")
	}
	return plan, nil
}

// RequireBillable loads a plan for checkout. Unknown, inactive or unpriced
// plans are validation failures on plan_id.
func (c *Catalog) RequireBillable(ctx context.Context, id uuid.UUID) (*models.SubscriptionPlan, error) {
	plan, err := c.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrPlanNotFound) {
			return nil, planFieldError("plan not found")
		}
		return nil, err
	}
	if !plan.IsActive {
		return nil, planFieldError("plan is not active")
	}
	if plan.BillablePriceID() == "" {
		return nil, planFieldError("plan is not configured for billing")
	}
	return plan, nil
}

func (c *Catalog) ListActive(ctx context.Context) ([]models.SubscriptionPlan, error) {
	rows, err := c.repo.ListActive(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list plans")
	}
	return rows, nil
}

func (c *Catalog) ListAll(ctx context.Context) ([]models.SubscriptionPlan, error) {
	rows, err := c.repo.ListAll(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list plans")
	}
	return rows, nil
}

// UpsertInput is the administrative shape of a plan, keyed by Name.
type UpsertInput struct {
	Name            string
	Price           decimal.Decimal
	Currency        string
	BillingCycle    enums.BillingCycle
	ExternalPriceID string
	IsActive        bool
}

// Upsert creates the plan named in input or edits it in place.
func (c *Catalog) Upsert(ctx context.Context, input UpsertInput) (*models.SubscriptionPlan, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan name required").WithDetails(map[string]string{"name": "is required"})
	}
	if input.Price.IsNegative() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan price must not be negative").WithDetails(map[string]string{"price": "must be zero or greater"})
	}
	if input.BillingCycle == "" {
		input.BillingCycle = enums.BillingCycleMonthly
	}
	if !input.BillingCycle.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid billing cycle").WithDetails(map[string]string{"billing_cycle": "must be monthly or yearly"})
	}
	currency := strings.ToLower(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = "usd"
	}

	existing, err := c.repo.FindByName(ctx, name)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	plan := existing
	if plan == nil {
		plan = &models.SubscriptionPlan{Name: name}
	}
	plan.Price = input.Price.Round(2)
	plan.Currency = currency
	plan.BillingCycle = input.BillingCycle
	plan.IsActive = input.IsActive
	plan.ExternalPriceID = nil
	if priceID := strings.TrimSpace(input.ExternalPriceID); priceID != "" {
		plan.ExternalPriceID = &priceID
	}

	if existing == nil {
		err = c.repo.Create(ctx, plan)
	} else {
		err = c.repo.Update(ctx, plan)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save plan")
	}
	return plan, nil
}

func notFound(msg string) error {
	return pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrPlanNotFound, msg)
}

func planFieldError(msg string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, msg).WithDetails(map[string]string{"plan_id": msg})
}
