package gatewaywebhook

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/internal/subscriptions"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	"github.com/angelmondragon/billing-reconciler/pkg/gateway"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
)

func (d *Dispatcher) resolveSubscription(ctx context.Context, tx *gorm.DB, s subscriptionObject) (*models.Subscription, error) {
	return d.lookup.Resolve(ctx, tx, subscriptions.LookupKeys{
		ExternalSubscriptionID: s.ID,
		MetadataSubscriptionID: s.Metadata["subscription_id"],
		PriceID:                s.priceID(),
		CustomerID:             s.Customer.String(),
	})
}

// handleSubscriptionChanged mirrors gateway lifecycle changes. A pending row
// is not activated here: activation needs a completed payment.
func (d *Dispatcher) handleSubscriptionChanged(ctx context.Context, tx *gorm.DB, event gateway.Event) (Outcome, error) {
	var s subscriptionObject
	if err := decodeObject(event.Object, &s); err != nil {
		return "", malformed(err)
	}
	sub, err := d.resolveSubscription(ctx, tx, s)
	if err != nil {
		return "", err
	}

	if s.terminated() {
		t, err := d.machine.Cancel(ctx, tx, sub, "gateway subscription "+s.Status, outbox.SourceWebhook)
		if err != nil {
			return "", err
		}
		return changed(t.Changed), nil
	}

	autoRenew := !s.CancelAtPeriodEnd
	if s.paying() && sub.Status == enums.SubscriptionStatusActive {
		t, err := d.machine.Confirm(ctx, tx, sub, subscriptions.Confirmation{
			PeriodEnd:              s.periodEnd(),
			ExternalSubscriptionID: s.ID,
			AutoRenew:              &autoRenew,
			Source:                 outbox.SourceWebhook,
		})
		if err != nil {
			return "", err
		}
		return changed(t.Changed), nil
	}

	updated, err := d.machine.SetAutoRenew(ctx, tx, sub, autoRenew)
	if err != nil {
		return "", err
	}
	return changed(updated), nil
}

func (d *Dispatcher) handleSubscriptionDeleted(ctx context.Context, tx *gorm.DB, event gateway.Event) (Outcome, error) {
	var s subscriptionObject
	if err := decodeObject(event.Object, &s); err != nil {
		return "", malformed(err)
	}
	sub, err := d.resolveSubscription(ctx, tx, s)
	if err != nil {
		return "", err
	}
	t, err := d.machine.Cancel(ctx, tx, sub, "cancelled at gateway", outbox.SourceWebhook)
	if err != nil {
		return "", err
	}
	return changed(t.Changed), nil
}

func changed(ok bool) Outcome {
	if ok {
		return OutcomeProcessed
	}
	return OutcomeDuplicate
}
