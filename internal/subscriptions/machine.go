package subscriptions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox/payloads"
)

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// IsEntitled is the only entitlement check: the row must be active and its
// paid period must not have ended. Status is never flipped to expired on a
// timer, so expires_at is authoritative.
func IsEntitled(sub *models.Subscription, now time.Time) bool {
	if sub == nil || sub.Status != enums.SubscriptionStatusActive || sub.ExpiresAt == nil {
		return false
	}
	return now.Before(*sub.ExpiresAt)
}

type MachineParams struct {
	Repo   Repository
	Outbox outboxPublisher
	Clock  func() time.Time
}

// Machine owns subscription status transitions:
// pending -> active -> cancelled. Cancelled rows never reactivate.
type Machine struct {
	repo   Repository
	outbox outboxPublisher
	now    func() time.Time
}

func NewMachine(params MachineParams) (*Machine, error) {
	if params.Repo == nil {
		return nil, errors.New("subscription repository required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox publisher required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{repo: params.Repo, outbox: params.Outbox, now: clock}, nil
}

// Confirmation carries what a paid gateway event knows about the
// subscription. Nil fields leave the stored value alone.
type Confirmation struct {
	PeriodEnd              *time.Time
	ExternalSubscriptionID string
	AutoRenew              *bool
	Source                 string
}

// Transition reports what Confirm or Cancel changed.
type Transition struct {
	Activated bool
	Extended  bool
	Cancelled bool
	Changed   bool
}

// Activate moves a pending row to active after its first completed payment.
func (m *Machine) Activate(ctx context.Context, tx *gorm.DB, sub *models.Subscription, externalID string) (Transition, error) {
	return m.Confirm(ctx, tx, sub, Confirmation{ExternalSubscriptionID: externalID})
}

// Confirm applies a paid confirmation. It activates the row, extends
// expires_at to the reported period end (never shortens it) and links the
// gateway id when empty. Replaying the same confirmation writes nothing.
//
// A confirmation without a period end (checkout.session.completed) stores a
// one-cycle estimate flagged provisional, so the row is entitled at once;
// the first reported period end overwrites it.
func (m *Machine) Confirm(ctx context.Context, tx *gorm.DB, sub *models.Subscription, c Confirmation) (Transition, error) {
	var t Transition
	if sub == nil {
		return t, errors.New("subscription required")
	}
	if sub.Status == enums.SubscriptionStatusCancelled {
		return t, nil
	}

	now := m.now()
	wasActive := sub.Status == enums.SubscriptionStatusActive

	if !wasActive {
		sub.Status = enums.SubscriptionStatusActive
		t.Activated = true
		t.Changed = true
	}
	if sub.StartedAt == nil {
		sub.StartedAt = &now
		t.Changed = true
	}

	switch {
	case c.PeriodEnd != nil:
		end := c.PeriodEnd.UTC()
		// A reported period end always replaces an estimate, even an
		// earlier one; otherwise it may only move expires_at forward.
		if sub.ExpiresAt == nil || sub.PeriodProvisional || end.After(*sub.ExpiresAt) {
			if sub.ExpiresAt != nil && wasActive && !sub.PeriodProvisional && end.After(*sub.ExpiresAt) {
				t.Extended = true
			}
			if sub.ExpiresAt == nil || !end.Equal(*sub.ExpiresAt) || sub.PeriodProvisional {
				sub.ExpiresAt = &end
				sub.PeriodProvisional = false
				t.Changed = true
			}
		}
	case sub.ExpiresAt == nil:
		estimate := nextPeriodEnd(now, sub.BillingCycle)
		sub.ExpiresAt = &estimate
		sub.PeriodProvisional = true
		t.Changed = true
	}

	if ext := strings.TrimSpace(c.ExternalSubscriptionID); ext != "" && sub.ExternalSubscriptionID == nil {
		sub.ExternalSubscriptionID = &ext
		t.Changed = true
	}
	if c.AutoRenew != nil && *c.AutoRenew != sub.AutoRenew {
		sub.AutoRenew = *c.AutoRenew
		t.Changed = true
	}
	if !t.Changed {
		return t, nil
	}

	if err := m.repo.WithTx(tx).Save(ctx, sub); err != nil {
		return Transition{}, err
	}
	if t.Activated || t.Extended {
		if err := m.emitActivated(ctx, tx, sub, t.Extended, c.Source); err != nil {
			return Transition{}, err
		}
	}
	return t, nil
}

// SetAutoRenew records the gateway's cancel_at_period_end flag without
// touching status.
func (m *Machine) SetAutoRenew(ctx context.Context, tx *gorm.DB, sub *models.Subscription, autoRenew bool) (bool, error) {
	if sub == nil || sub.AutoRenew == autoRenew {
		return false, nil
	}
	sub.AutoRenew = autoRenew
	if err := m.repo.WithTx(tx).Save(ctx, sub); err != nil {
		return false, err
	}
	return true, nil
}

// Cancel moves the row to cancelled and stamps cancelled_at. Cancelling a
// cancelled row is a no-op.
func (m *Machine) Cancel(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason, source string) (Transition, error) {
	var t Transition
	if sub == nil {
		return t, errors.New("subscription required")
	}
	if sub.Status == enums.SubscriptionStatusCancelled {
		return t, nil
	}

	now := m.now()
	sub.Status = enums.SubscriptionStatusCancelled
	sub.CancelledAt = &now
	sub.AutoRenew = false
	if reason != "" {
		note := reason
		sub.Notes = &note
	}
	if err := m.repo.WithTx(tx).Save(ctx, sub); err != nil {
		return t, err
	}
	t.Cancelled = true
	t.Changed = true

	if source == "" {
		source = outbox.SourceWebhook
	}
	userID := sub.UserID
	err := m.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventSubscriptionCancelled,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   sub.ID,
		Actor:         &outbox.ActorRef{UserID: &userID, Source: source},
		OccurredAt:    now,
		Data: payloads.SubscriptionCancelledEvent{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			PlanID:         sub.PlanID,
			CancelledAt:    now,
			ExpiresAt:      sub.ExpiresAt,
			Reason:         reason,
		},
	})
	if err != nil {
		return Transition{}, err
	}
	return t, nil
}

// PendingInput describes the row a checkout attempt needs.
type PendingInput struct {
	PreferredID uuid.UUID
	UserID      uuid.UUID
	Plan        *models.SubscriptionPlan
	Notes       *string
}

// CreateOrResetPending reuses the user's pending row for the plan, refreshing
// amount and billing cycle, or creates one with PreferredID.
func (m *Machine) CreateOrResetPending(ctx context.Context, tx *gorm.DB, input PendingInput) (*models.Subscription, error) {
	if input.Plan == nil {
		return nil, errors.New("plan required")
	}
	repo := m.repo.WithTx(tx)
	existing, err := repo.FindPendingForUserPlan(ctx, input.UserID, input.Plan.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Status = enums.SubscriptionStatusPending
		existing.Amount = input.Plan.Price
		existing.BillingCycle = input.Plan.BillingCycle
		existing.AutoRenew = true
		if input.Notes != nil {
			existing.Notes = input.Notes
		}
		if err := repo.Save(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	sub := &models.Subscription{
		ID:           input.PreferredID,
		UserID:       input.UserID,
		PlanID:       input.Plan.ID,
		Status:       enums.SubscriptionStatusPending,
		Amount:       input.Plan.Price,
		BillingCycle: input.Plan.BillingCycle,
		AutoRenew:    true,
		Notes:        input.Notes,
	}
	if err := repo.Create(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (m *Machine) emitActivated(ctx context.Context, tx *gorm.DB, sub *models.Subscription, renewal bool, source string) error {
	if source == "" {
		source = outbox.SourceWebhook
	}
	userID := sub.UserID
	return m.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventSubscriptionActivated,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   sub.ID,
		Actor:         &outbox.ActorRef{UserID: &userID, Source: source},
		OccurredAt:    m.now(),
		Data: payloads.SubscriptionActivatedEvent{
			SubscriptionID:         sub.ID,
			UserID:                 sub.UserID,
			PlanID:                 sub.PlanID,
			Status:                 sub.Status,
			ExternalSubscriptionID: sub.ExternalID(),
			ExpiresAt:              sub.ExpiresAt,
			Renewal:                renewal,
		},
	})
}

// nextPeriodEnd estimates the gateway period when an event carries none.
func nextPeriodEnd(from time.Time, cycle enums.BillingCycle) time.Time {
	if cycle == enums.BillingCycleYearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}
