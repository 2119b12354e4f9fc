package subscriptions

import (
	"time"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
)

type subscriptionResponse struct {
	ID                     string  `json:"id"`
	PlanID                 string  `json:"plan_id"`
	Status                 string  `json:"status"`
	ExternalSubscriptionID *string `json:"external_subscription_id,omitempty"`
	Amount                 string  `json:"amount"`
	BillingCycle           string  `json:"billing_cycle"`
	AutoRenew              bool    `json:"auto_renew"`
	StartedAt              *string `json:"started_at,omitempty"`
	ExpiresAt              *string `json:"expires_at,omitempty"`
	CancelledAt            *string `json:"cancelled_at,omitempty"`
	Notes                  *string `json:"notes,omitempty"`
}

type currentSubscriptionResponse struct {
	Subscription subscriptionResponse `json:"subscription"`
	Entitled     bool                 `json:"entitled"`
}

func newSubscriptionResponse(sub *models.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                     sub.ID.String(),
		PlanID:                 sub.PlanID.String(),
		Status:                 string(sub.Status),
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		Amount:                 sub.Amount.StringFixed(2),
		BillingCycle:           string(sub.BillingCycle),
		AutoRenew:              sub.AutoRenew,
		StartedAt:              formatTime(sub.StartedAt),
		ExpiresAt:              formatTime(sub.ExpiresAt),
		CancelledAt:            formatTime(sub.CancelledAt),
		Notes:                  sub.Notes,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
