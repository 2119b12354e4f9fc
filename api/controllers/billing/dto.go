package billing

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
)

type planResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Price           string `json:"price"`
	Currency        string `json:"currency"`
	BillingCycle    string `json:"billing_cycle"`
	ExternalPriceID string `json:"external_price_id,omitempty"`
}

type planListResponse struct {
	Plans []planResponse `json:"plans"`
}

func plansToResponse(plans []models.SubscriptionPlan) []planResponse {
	result := make([]planResponse, 0, len(plans))
	for i := range plans {
		result = append(result, planToResponse(&plans[i]))
	}
	return result
}

func planToResponse(plan *models.SubscriptionPlan) planResponse {
	return planResponse{
		ID:              plan.ID.String(),
		Name:            plan.Name,
		Price:           plan.Price.StringFixed(2),
		Currency:        plan.Currency,
		BillingCycle:    string(plan.BillingCycle),
		ExternalPriceID: plan.BillablePriceID(),
	}
}

type transactionResponse struct {
	ID                    string          `json:"id"`
	SubscriptionID        *string         `json:"subscription_id,omitempty"`
	ExternalTransactionID string          `json:"external_transaction_id"`
	Gateway               string          `json:"gateway"`
	Amount                string          `json:"amount"`
	Currency              string          `json:"currency"`
	Status                string          `json:"status"`
	Type                  string          `json:"type"`
	PaymentDetails        json.RawMessage `json:"payment_details,omitempty"`
	PaidAt                *string         `json:"paid_at,omitempty"`
	Notes                 *string         `json:"notes,omitempty"`
	CreatedAt             string          `json:"created_at"`
}

type transactionListResponse struct {
	Transactions []transactionResponse `json:"transactions"`
}

func transactionToResponse(txn *models.PaymentTransaction) transactionResponse {
	resp := transactionResponse{
		ID:                    txn.ID.String(),
		ExternalTransactionID: txn.ExternalTransactionID,
		Gateway:               txn.Gateway,
		Amount:                txn.Amount.StringFixed(2),
		Currency:              txn.Currency,
		Status:                string(txn.Status),
		Type:                  string(txn.Type),
		PaymentDetails:        txn.PaymentDetails,
		Notes:                 txn.Notes,
		CreatedAt:             txn.CreatedAt.UTC().Format(time.RFC3339),
	}
	if txn.SubscriptionID != nil {
		id := txn.SubscriptionID.String()
		resp.SubscriptionID = &id
	}
	if txn.PaidAt != nil {
		paid := txn.PaidAt.UTC().Format(time.RFC3339)
		resp.PaidAt = &paid
	}
	return resp
}

type couponResponse struct {
	Code            string   `json:"code"`
	Type            string   `json:"type"`
	Value           string   `json:"value"`
	MinimumAmount   *string  `json:"minimum_amount,omitempty"`
	MaximumDiscount *string  `json:"maximum_discount,omitempty"`
	ValidUntil      *string  `json:"valid_until,omitempty"`
	ApplicablePlans []string `json:"applicable_plans,omitempty"`
	FirstTimeOnly   bool     `json:"first_time_only"`
}

func couponToResponse(c *models.Coupon) couponResponse {
	resp := couponResponse{
		Code:            c.Code,
		Type:            string(c.Type),
		Value:           c.Value.StringFixed(2),
		ApplicablePlans: c.ApplicablePlans,
		FirstTimeOnly:   c.FirstTimeOnly,
	}
	if c.MinimumAmount != nil {
		v := c.MinimumAmount.StringFixed(2)
		resp.MinimumAmount = &v
	}
	if c.MaximumDiscount != nil {
		v := c.MaximumDiscount.StringFixed(2)
		resp.MaximumDiscount = &v
	}
	if c.ValidUntil != nil {
		v := c.ValidUntil.UTC().Format(time.RFC3339)
		resp.ValidUntil = &v
	}
	return resp
}
