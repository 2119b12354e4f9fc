package subscriptions

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/internal/plans"
	"github.com/angelmondragon/billing-reconciler/internal/users"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
)

// ErrSubscriptionNotFound is the typed miss for webhook resolution.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// LookupKeys are the identifiers a gateway event may carry.
type LookupKeys struct {
	ExternalSubscriptionID string
	MetadataSubscriptionID string
	PriceID                string
	CustomerID             string
}

// Lookup resolves the local subscription a gateway event refers to.
type Lookup struct {
	repo    Repository
	catalog *plans.Catalog
	users   *users.Repository
}

func NewLookup(repo Repository, catalog *plans.Catalog, userRepo *users.Repository) (*Lookup, error) {
	if repo == nil || catalog == nil || userRepo == nil {
		return nil, errors.New("subscription lookup requires repository, catalog and users")
	}
	return &Lookup{repo: repo, catalog: catalog, users: userRepo}, nil
}

// Resolve tries, in order:
//  1. the gateway subscription id;
//  2. the local id stamped into metadata at checkout, linking the gateway id;
//  3. price id to plan plus customer id to user, then that user's pending
//     row for the plan.
//
// Anything else is ErrSubscriptionNotFound.
func (l *Lookup) Resolve(ctx context.Context, tx *gorm.DB, keys LookupKeys) (*models.Subscription, error) {
	repo := l.repo.WithTx(tx)
	externalID := strings.TrimSpace(keys.ExternalSubscriptionID)

	if externalID != "" {
		sub, err := repo.FindByExternalID(ctx, externalID)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			return sub, nil
		}
	}

	if raw := strings.TrimSpace(keys.MetadataSubscriptionID); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			sub, err := repo.FindByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if sub != nil {
				if externalID != "" && sub.ExternalSubscriptionID == nil {
					linked, err := repo.SetExternalIDIfEmpty(ctx, sub.ID, externalID)
					if err != nil {
						return nil, err
					}
					if linked {
						sub.ExternalSubscriptionID = &externalID
					}
				}
				return sub, nil
			}
		}
	}

	priceID := strings.TrimSpace(keys.PriceID)
	customerID := strings.TrimSpace(keys.CustomerID)
	if priceID == "" || customerID == "" {
		return nil, notFound("no subscription matches event identifiers")
	}

	plan, err := l.catalog.WithTx(tx).Resolve(ctx, priceID)
	if err != nil {
		if errors.Is(err, plans.ErrPlanNotFound) {
			return nil, notFound("no plan for price " + priceID)
		}
		return nil, err
	}
	user, err := l.users.WithTx(tx).FindByGatewayCustomerID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, notFound("no user for customer " + customerID)
	}
	sub, err := repo.FindPendingForUserPlan(ctx, user.ID, plan.ID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, notFound("no pending subscription for user and plan")
	}
	if externalID != "" {
		linked, err := repo.SetExternalIDIfEmpty(ctx, sub.ID, externalID)
		if err != nil {
			return nil, err
		}
		if linked {
			sub.ExternalSubscriptionID = &externalID
		}
	}
	return sub, nil
}

// ActiveForUser returns the user's newest active row, or nil. Charges that
// name no subscription are attributed to it.
func (l *Lookup) ActiveForUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) (*models.Subscription, error) {
	return l.repo.WithTx(tx).FindLatestActive(ctx, userID)
}

func notFound(msg string) error {
	return pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrSubscriptionNotFound, msg)
}
