package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams groups dependencies for the subscription read and admin paths.
type ServiceParams struct {
	Repo     Repository
	Machine  *Machine
	TxRunner txRunner
	Clock    func() time.Time
}

type Service struct {
	repo    Repository
	machine *Machine
	tx      txRunner
	now     func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("subscription repository required")
	}
	if params.Machine == nil {
		return nil, errors.New("state machine required")
	}
	if params.TxRunner == nil {
		return nil, errors.New("transaction runner required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{repo: params.Repo, machine: params.Machine, tx: params.TxRunner, now: clock}, nil
}

// CurrentView is the user's current subscription with its entitlement
// evaluated at read time.
type CurrentView struct {
	Subscription *models.Subscription
	Entitled     bool
}

// Current prefers the newest entitled row and falls back to the newest row
// of any status, so a fresh pending checkout never hides a paid one.
func (s *Service) Current(ctx context.Context, userID uuid.UUID) (*CurrentView, error) {
	now := s.now()
	sub, err := s.repo.FindLatestEntitled(ctx, userID, now)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		sub, err = s.repo.FindLatest(ctx, userID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
		}
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no subscription")
	}
	return &CurrentView{Subscription: sub, Entitled: IsEntitled(sub, now)}, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

// Cancel is the administrative cancel. Local state only; the gateway
// subscription is managed from the gateway dashboard.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Subscription, error) {
	var sub *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		sub, err = s.repo.WithTx(tx).FindByID(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		if reason == "" {
			reason = "cancelled by administrator"
		}
		_, err = s.machine.Cancel(ctx, tx, sub, reason, outbox.SourceAdmin)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
