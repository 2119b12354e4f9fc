package gatewaywebhook

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/internal/payments"
	"github.com/angelmondragon/billing-reconciler/internal/subscriptions"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	"github.com/angelmondragon/billing-reconciler/pkg/gateway"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
)

func (d *Dispatcher) resolveInvoice(ctx context.Context, tx *gorm.DB, inv invoiceObject) (*models.Subscription, error) {
	return d.lookup.Resolve(ctx, tx, subscriptions.LookupKeys{
		ExternalSubscriptionID: inv.subscriptionID(),
		MetadataSubscriptionID: inv.metadata()["subscription_id"],
		PriceID:                inv.priceID(),
		CustomerID:             inv.Customer.String(),
	})
}

func (inv invoiceObject) isSubscriptionInvoice() bool {
	return inv.subscriptionID() != "" || inv.metadata()["subscription_id"] != ""
}

// ledgerKey picks the row an invoice settles. The first invoice of a
// subscription pays for the checkout, so it lands on the checkout row
// (named by transaction_id in metadata, else the subscription's pending
// checkout). Later invoices are renewals keyed by invoice id.
func (d *Dispatcher) ledgerKey(ctx context.Context, tx *gorm.DB, inv invoiceObject, sub *models.Subscription) (string, enums.TransactionType, error) {
	if !inv.isFirstInvoice() && sub.Status != enums.SubscriptionStatusPending {
		return inv.ID, enums.TransactionTypeRenewal, nil
	}

	if raw := strings.TrimSpace(inv.metadata()["transaction_id"]); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			txn, err := d.ledger.FindByID(ctx, tx, id)
			if err != nil {
				return "", "", err
			}
			if txn != nil && txn.SubscriptionID != nil && *txn.SubscriptionID == sub.ID {
				return txn.ExternalTransactionID, enums.TransactionTypeSubscription, nil
			}
		}
	}
	txn, err := d.ledger.PendingCheckout(ctx, tx, sub.ID)
	if err != nil {
		return "", "", err
	}
	if txn != nil {
		return txn.ExternalTransactionID, enums.TransactionTypeSubscription, nil
	}
	return inv.ID, enums.TransactionTypeSubscription, nil
}

// adoptIntentRow hands the invoice a row the payment-intent backup path
// already wrote for the same charge, relinked to the invoice's subscription
// and type. The intent the invoice names is matched first; without one, a
// completed backup row of the same amount inside the dedup window is taken.
func (d *Dispatcher) adoptIntentRow(ctx context.Context, tx *gorm.DB, inv invoiceObject, sub *models.Subscription, txType enums.TransactionType, amount decimal.Decimal, status enums.TransactionStatus) (*models.PaymentTransaction, bool, error) {
	var row *models.PaymentTransaction
	if piID := inv.paymentIntentID(); piID != "" {
		found, err := d.ledger.Lookup(ctx, tx, piID)
		if err != nil {
			return nil, false, err
		}
		if found != nil && found.UserID == sub.UserID {
			row = found
		}
	}
	if row == nil && status == enums.TransactionStatusCompleted {
		found, err := d.ledger.FindRecentBackup(ctx, tx, sub.UserID, amount, d.window, d.now())
		if err != nil {
			return nil, false, err
		}
		if found != nil && (found.SubscriptionID == nil || *found.SubscriptionID == sub.ID) {
			row = found
		}
	}
	if row == nil {
		return nil, false, nil
	}
	relinked, err := d.ledger.Relink(ctx, tx, row, sub.ID, txType)
	if err != nil {
		return nil, false, err
	}
	return row, relinked, nil
}

func (d *Dispatcher) handleInvoicePaid(ctx context.Context, tx *gorm.DB, event gateway.Event) (Outcome, error) {
	var inv invoiceObject
	if err := decodeObject(event.Object, &inv); err != nil {
		return "", malformed(err)
	}
	if !inv.isSubscriptionInvoice() {
		return OutcomeIgnored, nil
	}

	sub, err := d.resolveInvoice(ctx, tx, inv)
	if err != nil {
		return "", err
	}
	key, txType, err := d.ledgerKey(ctx, tx, inv, sub)
	if err != nil {
		return "", err
	}

	amount := fromMinorUnits(inv.AmountPaid, inv.Currency)
	existing, err := d.ledger.Lookup(ctx, tx, key)
	if err != nil {
		return "", err
	}
	var relinked bool
	if existing == nil {
		adopted, changed, err := d.adoptIntentRow(ctx, tx, inv, sub, txType, amount, enums.TransactionStatusCompleted)
		if err != nil {
			return "", err
		}
		if adopted != nil {
			key, existing, relinked = adopted.ExternalTransactionID, adopted, changed
		}
	}

	var result *payments.Result
	if existing == nil && key == inv.ID && txType == enums.TransactionTypeSubscription {
		// No checkout row to settle: a settled charge for the same user
		// inside the window means another delivery already recorded it.
		recent, err := d.ledger.HasRecentCompleted(ctx, tx, sub.UserID, d.window, d.now())
		if err != nil {
			return "", err
		}
		if recent {
			result = &payments.Result{}
		}
	}

	if result == nil {
		subID := sub.ID
		result, err = d.ledger.RecordOrUpdate(ctx, tx, key, payments.Fields{
			UserID:          sub.UserID,
			SubscriptionID:  &subID,
			Amount:          amount,
			Currency:        inv.Currency,
			Status:          enums.TransactionStatusCompleted,
			Type:            txType,
			GatewayResponse: event.Payload,
			PaidAt:          unixTime(inv.StatusTransitions.PaidAt),
			Source:          outbox.SourceWebhook,
		})
		if err != nil {
			return "", err
		}
	}

	transition, err := d.machine.Confirm(ctx, tx, sub, subscriptions.Confirmation{
		PeriodEnd:              inv.periodEnd(),
		ExternalSubscriptionID: inv.subscriptionID(),
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
	if !result.Changed() && !transition.Changed && !relinked {
		return OutcomeDuplicate, nil
	}
	return OutcomeProcessed, nil
}

// handleInvoiceFailed records the failed charge. The subscription keeps its
// status; entitlement lapses with expires_at.
func (d *Dispatcher) handleInvoiceFailed(ctx context.Context, tx *gorm.DB, event gateway.Event) (Outcome, error) {
	var inv invoiceObject
	if err := decodeObject(event.Object, &inv); err != nil {
		return "", malformed(err)
	}
	if !inv.isSubscriptionInvoice() {
		return OutcomeIgnored, nil
	}

	sub, err := d.resolveInvoice(ctx, tx, inv)
	if err != nil {
		return "", err
	}
	key, txType, err := d.ledgerKey(ctx, tx, inv, sub)
	if err != nil {
		return "", err
	}

	amount := fromMinorUnits(inv.AmountDue, inv.Currency)
	existing, err := d.ledger.Lookup(ctx, tx, key)
	if err != nil {
		return "", err
	}
	var relinked bool
	if existing == nil {
		adopted, changed, err := d.adoptIntentRow(ctx, tx, inv, sub, txType, amount, enums.TransactionStatusFailed)
		if err != nil {
			return "", err
		}
		if adopted != nil {
			key, relinked = adopted.ExternalTransactionID, changed
		}
	}

	subID := sub.ID
	note := "invoice payment failed"
	result, err := d.ledger.RecordOrUpdate(ctx, tx, key, payments.Fields{
		UserID:          sub.UserID,
		SubscriptionID:  &subID,
		Amount:          amount,
		Currency:        inv.Currency,
		Status:          enums.TransactionStatusFailed,
		Type:            txType,
		GatewayResponse: event.Payload,
		Notes:           &note,
		Source:          outbox.SourceWebhook,
	})
	if err != nil {
		return "", err
	}
	if !result.Changed() && !relinked {
		return OutcomeDuplicate, nil
	}
	return OutcomeProcessed, nil
}
