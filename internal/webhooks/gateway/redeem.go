package gatewaywebhook

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/internal/coupons"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/metrics"
)

type couponDetails struct {
	CouponCode string          `json:"coupon_code"`
	Price      decimal.Decimal `json:"price"`
}

// redeemCoupon records the coupon stamped on a checkout row the first time
// the row completes. The charge has already been taken, so a coupon that
// can no longer be redeemed is logged and skipped.
func (d *Dispatcher) redeemCoupon(ctx context.Context, tx *gorm.DB, txn *models.PaymentTransaction) error {
	if d.coupons == nil || txn == nil || len(txn.PaymentDetails) == 0 {
		return nil
	}
	var details couponDetails
	if err := json.Unmarshal(txn.PaymentDetails, &details); err != nil || details.CouponCode == "" {
		return nil
	}

	amount := details.Price
	if !amount.IsPositive() {
		amount = txn.Amount
	}
	txnID := txn.ID
	_, err := d.coupons.RedeemCode(ctx, tx, details.CouponCode, coupons.RedeemInput{
		UserID:        txn.UserID,
		Amount:        amount,
		TransactionID: &txnID,
	})
	switch {
	case err == nil:
		d.metrics.IncRedemption(metrics.OutcomeProcessed)
		return nil
	case errors.Is(err, coupons.ErrCouponExhausted),
		errors.Is(err, coupons.ErrCouponInvalid),
		errors.Is(err, coupons.ErrCouponNotFound):
		d.metrics.IncRedemption("skipped")
		d.logg.Warn(d.logg.WithFields(ctx, map[string]any{
			"coupon_code":    details.CouponCode,
			"transaction_id": txnID.String(),
			"reason":         err.Error(),
		}), "webhook.coupon_skipped")
		return nil
	default:
		return err
	}
}
