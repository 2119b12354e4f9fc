package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/billing-reconciler/internal/plans"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
)

type planView struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Price           string `json:"price"`
	Currency        string `json:"currency"`
	BillingCycle    string `json:"billing_cycle"`
	ExternalPriceID string `json:"external_price_id,omitempty"`
	IsActive        bool   `json:"is_active"`
}

func newPlanView(p *models.SubscriptionPlan) planView {
	return planView{
		ID:              p.ID.String(),
		Name:            p.Name,
		Price:           p.Price.StringFixed(2),
		Currency:        p.Currency,
		BillingCycle:    string(p.BillingCycle),
		ExternalPriceID: p.BillablePriceID(),
		IsActive:        p.IsActive,
	}
}

func newPlansCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Manage subscription plans",
	}
	cmd.AddCommand(newPlansUpsertCmd(a), newPlansListCmd(a))
	return cmd
}

func newPlansUpsertCmd(a *app) *cobra.Command {
	var (
		name, price, currency, cycle, priceID string
		inactive                              bool
	)
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create a plan or update it by name",
		Example: `  billingctl plans upsert --name Pro --price 19.99 --cycle monthly --price-id price_123
  billingctl plans upsert --name Legacy --price 9.99 --inactive`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			amount, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("invalid --price %q: %w", price, err)
			}
			billingCycle, err := enums.ParseBillingCycle(cycle)
			if err != nil {
				return err
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			plan, err := svc.catalog.Upsert(cmd.Context(), plans.UpsertInput{
				Name:            name,
				Price:           amount,
				Currency:        currency,
				BillingCycle:    billingCycle,
				ExternalPriceID: priceID,
				IsActive:        !inactive,
			})
			if err != nil {
				return err
			}
			return a.printJSON(newPlanView(plan))
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "plan name (unique)")
	cmd.Flags().StringVar(&price, "price", "", "price in major units, e.g. 19.99")
	cmd.Flags().StringVar(&currency, "currency", "usd", "ISO currency code")
	cmd.Flags().StringVar(&cycle, "cycle", string(enums.BillingCycleMonthly), "billing cycle (monthly, yearly)")
	cmd.Flags().StringVar(&priceID, "price-id", "", "gateway price id")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "hide the plan from the public catalog")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func newPlansListCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List plans",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			var rows []models.SubscriptionPlan
			if all {
				rows, err = svc.catalog.ListAll(cmd.Context())
			} else {
				rows, err = svc.catalog.ListActive(cmd.Context())
			}
			if err != nil {
				return err
			}
			out := make([]planView, 0, len(rows))
			for i := range rows {
				out = append(out, newPlanView(&rows[i]))
			}
			return a.printJSON(out)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive plans")
	return cmd
}
