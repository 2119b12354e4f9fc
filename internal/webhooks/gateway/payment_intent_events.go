package gatewaywebhook

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/internal/payments"
	"github.com/angelmondragon/billing-reconciler/internal/subscriptions"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/gateway"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
)

// intentOwner resolves who a payment intent belongs to: the linked gateway
// customer first, then a user_id in metadata.
func (d *Dispatcher) intentOwner(ctx context.Context, tx *gorm.DB, pi paymentIntentObject) (*models.User, error) {
	repo := d.users.WithTx(tx)
	if customer := pi.Customer.String(); customer != "" {
		user, err := repo.FindByGatewayCustomerID(ctx, customer)
		if err != nil || user != nil {
			return user, err
		}
	}
	if id, err := uuid.Parse(strings.TrimSpace(pi.Metadata["user_id"])); err == nil {
		user, err := repo.FindByID(ctx, id)
		if err != nil || user != nil {
			return user, err
		}
	}
	return nil, lookupMiss("no user for payment intent")
}

// intentSubscription is best effort: a payment intent only names a
// subscription through checkout metadata.
func (d *Dispatcher) intentSubscription(ctx context.Context, tx *gorm.DB, pi paymentIntentObject, user *models.User) (*models.Subscription, error) {
	if pi.Metadata["subscription_id"] == "" {
		return nil, nil
	}
	sub, err := d.lookup.Resolve(ctx, tx, subscriptions.LookupKeys{MetadataSubscriptionID: pi.Metadata["subscription_id"]})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if sub.UserID != user.ID {
		return nil, nil
	}
	return sub, nil
}

// handlePaymentIntentSucceeded is the backup path for charges whose invoice
// or checkout notification is missing. Intents that belong to an invoice are
// settled by the invoice handler.
func (d *Dispatcher) handlePaymentIntentSucceeded(ctx context.Context, tx *gorm.DB, event gateway.Event) (Outcome, error) {
	var pi paymentIntentObject
	if err := decodeObject(event.Object, &pi); err != nil {
		return "", malformed(err)
	}
	return d.recordIntent(ctx, tx, event, pi, enums.TransactionStatusCompleted)
}

func (d *Dispatcher) handlePaymentIntentFailed(ctx context.Context, tx *gorm.DB, event gateway.Event) (Outcome, error) {
	var pi paymentIntentObject
	if err := decodeObject(event.Object, &pi); err != nil {
		return "", malformed(err)
	}
	return d.recordIntent(ctx, tx, event, pi, enums.TransactionStatusFailed)
}

func (d *Dispatcher) recordIntent(ctx context.Context, tx *gorm.DB, event gateway.Event, pi paymentIntentObject, status enums.TransactionStatus) (Outcome, error) {
	existing, err := d.ledger.Lookup(ctx, tx, pi.ID)
	if err != nil {
		return "", err
	}
	if existing == nil && pi.Invoice != "" {
		return OutcomeIgnored, nil
	}

	fields := payments.Fields{
		Currency:        pi.Currency,
		Status:          status,
		GatewayResponse: event.Payload,
		Source:          outbox.SourceWebhook,
	}
	if status == enums.TransactionStatusCompleted {
		fields.Amount = fromMinorUnits(pi.AmountReceived, pi.Currency)
	} else {
		fields.Amount = fromMinorUnits(pi.Amount, pi.Currency)
		note := pi.failureNote()
		fields.Notes = &note
	}

	var sub *models.Subscription
	if existing != nil {
		fields.UserID = existing.UserID
	} else {
		user, err := d.intentOwner(ctx, tx, pi)
		if err != nil {
			return "", err
		}
		var recent bool
		if status == enums.TransactionStatusCompleted {
			recent, err = d.ledger.HasRecentCompleted(ctx, tx, user.ID, d.window, d.now())
		} else {
			recent, err = d.ledger.HasRecentFailed(ctx, tx, user.ID, d.window, d.now())
		}
		if err != nil {
			return "", err
		}
		if recent {
			return OutcomeDuplicate, nil
		}

		sub, err = d.intentSubscription(ctx, tx, pi, user)
		if err != nil {
			return "", err
		}
		if sub == nil {
			// An intent with no checkout link is a recurring charge for
			// whatever the user is already subscribed to.
			sub, err = d.lookup.ActiveForUser(ctx, tx, user.ID)
			if err != nil {
				return "", err
			}
		}
		fields.UserID = user.ID
		fields.Type = enums.TransactionTypeSubscription
		if sub != nil {
			subID := sub.ID
			fields.SubscriptionID = &subID
			if sub.Status == enums.SubscriptionStatusActive {
				fields.Type = enums.TransactionTypeRenewal
			}
		}
		if status == enums.TransactionStatusCompleted {
			note := payments.BackupNote
			fields.Notes = &note
		}
	}

	result, err := d.ledger.RecordOrUpdate(ctx, tx, pi.ID, fields)
	if err != nil {
		return "", err
	}
	if result.Completed {
		if sub != nil {
			if _, err := d.machine.Confirm(ctx, tx, sub, subscriptions.Confirmation{Source: outbox.SourceWebhook}); err != nil {
				return "", err
			}
		}
		if err := d.redeemCoupon(ctx, tx, result.Transaction); err != nil {
			return "", err
		}
	}
	return changed(result.Changed()), nil
}
