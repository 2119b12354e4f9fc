package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/billing-reconciler/internal/cron"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
)

type transactionView struct {
	ID                    string  `json:"id"`
	UserID                string  `json:"user_id"`
	SubscriptionID        *string `json:"subscription_id,omitempty"`
	ExternalTransactionID string  `json:"external_transaction_id"`
	Amount                string  `json:"amount"`
	Currency              string  `json:"currency"`
	Status                string  `json:"status"`
	Type                  string  `json:"type"`
	PaidAt                *string `json:"paid_at,omitempty"`
	Notes                 *string `json:"notes,omitempty"`
}

func newTransactionView(t *models.PaymentTransaction) transactionView {
	v := transactionView{
		ID:                    t.ID.String(),
		UserID:                t.UserID.String(),
		ExternalTransactionID: t.ExternalTransactionID,
		Amount:                t.Amount.StringFixed(2),
		Currency:              t.Currency,
		Status:                string(t.Status),
		Type:                  string(t.Type),
		Notes:                 t.Notes,
	}
	if t.SubscriptionID != nil {
		id := t.SubscriptionID.String()
		v.SubscriptionID = &id
	}
	if t.PaidAt != nil {
		paid := t.PaidAt.UTC().Format(time.RFC3339)
		v.PaidAt = &paid
	}
	return v
}

func newTransactionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transactions",
		Short:   "Inspect the payment ledger",
		Aliases: []string{"txn"},
	}
	cmd.AddCommand(newTransactionsGetCmd(a), newTransactionsSweepCmd(a))
	return cmd
}

func newTransactionsGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <external-transaction-id>",
		Short: "Show a ledger row by gateway id (cs_..., in_..., pi_...)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			txn, err := svc.ledger.Lookup(cmd.Context(), nil, args[0])
			if err != nil {
				return err
			}
			if txn == nil {
				return errors.New("transaction not found")
			}
			return a.printJSON(newTransactionView(txn))
		},
	}
}

func newTransactionsSweepCmd(a *app) *cobra.Command {
	var (
		ttl   time.Duration
		batch int
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail abandoned checkouts older than --ttl",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			cfg, logg, err := a.config()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Billing.PendingCheckoutTTL
			}
			if batch <= 0 {
				batch = cfg.Cron.SweepBatchSize
			}
			job, err := cron.NewStaleCheckoutJob(cron.StaleCheckoutJobParams{
				Logger:    logg,
				DB:        a.dbClient,
				Ledger:    svc.ledger,
				TTL:       ttl,
				BatchSize: batch,
			})
			if err != nil {
				return err
			}
			expired, err := job.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"expired": expired})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "pending age before a checkout is failed (default from config)")
	cmd.Flags().IntVar(&batch, "batch", 0, "rows per transaction (default from config)")
	return cmd
}
