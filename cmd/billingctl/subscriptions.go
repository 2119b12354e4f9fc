package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newSubscriptionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Short:   "Inspect and cancel subscriptions",
		Aliases: []string{"subs"},
	}
	cmd.AddCommand(newSubscriptionsCancelCmd(a))
	return cmd
}

func newSubscriptionsCancelCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <subscription-id>",
		Short: "Cancel a subscription locally",
		Long: `Cancel a subscription in the local ledger. The gateway subscription is
left untouched; cancel it in the gateway dashboard if billing must stop.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid subscription id %q: %w", args[0], err)
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			sub, err := svc.subscriptions.Cancel(cmd.Context(), id, reason)
			if err != nil {
				return err
			}
			view := map[string]any{
				"id":     sub.ID.String(),
				"status": sub.Status,
			}
			if sub.CancelledAt != nil {
				view["cancelled_at"] = sub.CancelledAt.UTC().Format(time.RFC3339)
			}
			return a.printJSON(view)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "note stored on the subscription")
	return cmd
}
