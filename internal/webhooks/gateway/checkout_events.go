package gatewaywebhook

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/internal/payments"
	"github.com/angelmondragon/billing-reconciler/internal/subscriptions"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	"github.com/angelmondragon/billing-reconciler/pkg/gateway"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
)

func (d *Dispatcher) handleCheckoutCompleted(ctx context.Context, tx *gorm.DB, event gateway.Event) (Outcome, error) {
	var session checkoutSessionObject
	if err := decodeObject(event.Object, &session); err != nil {
		return "", malformed(err)
	}
	if session.Mode != "" && session.Mode != "subscription" {
		return OutcomeIgnored, nil
	}

	sub, err := d.lookup.Resolve(ctx, tx, subscriptions.LookupKeys{
		ExternalSubscriptionID: session.Subscription.String(),
		MetadataSubscriptionID: session.Metadata["subscription_id"],
		CustomerID:             session.Customer.String(),
	})
	if err != nil {
		return "", err
	}
	// Async payment methods complete the session before the money moves;
	// invoice.paid settles those.
	if !session.paid() {
		return OutcomeIgnored, nil
	}

	subID := sub.ID
	result, err := d.ledger.RecordOrUpdate(ctx, tx, session.ID, payments.Fields{
		UserID:          sub.UserID,
		SubscriptionID:  &subID,
		Amount:          fromMinorUnits(session.AmountTotal, session.Currency),
		Currency:        session.Currency,
		Status:          enums.TransactionStatusCompleted,
		Type:            enums.TransactionTypeSubscription,
		GatewayResponse: event.Payload,
		Source:          outbox.SourceWebhook,
	})
	if err != nil {
		return "", err
	}

	transition, err := d.machine.Confirm(ctx, tx, sub, subscriptions.Confirmation{
		ExternalSubscriptionID: session.Subscription.String(),
		Source:                 outbox.SourceWebhook,
	})
	if err != nil {
		return "", err
	}
	if result.Completed {
		if err := d.redeemCoupon(ctx, tx, result.Transaction); err != nil {
			return "", err
		}
	}
	if !result.Changed() && !transition.Changed {
		return OutcomeDuplicate, nil
	}
	return OutcomeProcessed, nil
}

// handleCheckoutExpired fails the pending checkout row. Completed rows keep
// their status.
func (d *Dispatcher) handleCheckoutExpired(ctx context.Context, tx *gorm.DB, event gateway.Event) (Outcome, error) {
	var session checkoutSessionObject
	if err := decodeObject(event.Object, &session); err != nil {
		return "", malformed(err)
	}
	txn, err := d.ledger.Lookup(ctx, tx, session.ID)
	if err != nil {
		return "", err
	}
	if txn == nil {
		return OutcomeIgnored, nil
	}

	note := "checkout session expired"
	result, err := d.ledger.RecordOrUpdate(ctx, tx, session.ID, payments.Fields{
		UserID:          txn.UserID,
		Status:          enums.TransactionStatusFailed,
		GatewayResponse: event.Payload,
		Notes:           &note,
		Source:          outbox.SourceWebhook,
	})
	if err != nil {
		return "", err
	}
	if !result.Changed() {
		return OutcomeDuplicate, nil
	}
	return OutcomeProcessed, nil
}
