package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/billing-reconciler/internal/coupons"
	"github.com/angelmondragon/billing-reconciler/internal/payments"
	"github.com/angelmondragon/billing-reconciler/internal/plans"
	"github.com/angelmondragon/billing-reconciler/internal/subscriptions"
	"github.com/angelmondragon/billing-reconciler/pkg/config"
	"github.com/angelmondragon/billing-reconciler/pkg/db"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
)

const serviceName = "billingctl"

// app holds lazily built dependencies. Commands that never touch the
// database (token mint) only need config.
type app struct {
	out io.Writer

	loadOnce sync.Once
	cfg      *config.Config
	logg     *logger.Logger
	loadErr  error

	dbClient *db.Client
	svc      *adminServices
}

type adminServices struct {
	catalog       *plans.Catalog
	coupons       *coupons.Service
	ledger        *payments.Ledger
	subscriptions *subscriptions.Service
	outboxRepo    *outbox.Repository
	dlq           *outbox.DLQRepository
}

func (a *app) stdout() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

func (a *app) config() (*config.Config, *logger.Logger, error) {
	a.loadOnce.Do(func() {
		_ = godotenv.Load()
		cfg, err := config.Load()
		if err != nil {
			a.loadErr = err
			return
		}
		a.cfg = cfg
		a.logg = logger.New(logger.Options{
			ServiceName: serviceName,
			Level:       logger.ParseLevel(cfg.App.LogLevel),
			WarnStack:   cfg.App.LogWarnStack,
			Format:      cfg.App.LogFormat,
			Output:      os.Stderr,
		})
	})
	return a.cfg, a.logg, a.loadErr
}

func (a *app) services(ctx context.Context) (*adminServices, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	cfg, logg, err := a.config()
	if err != nil {
		return nil, err
	}
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.dbClient = dbClient

	conn := dbClient.DB()
	outboxRepo := outbox.NewRepository(conn)
	publisher := outbox.NewService(outboxRepo, logg)
	catalog, err := plans.NewCatalog(plans.NewRepository(conn))
	if err != nil {
		return nil, err
	}
	subRepo := subscriptions.NewRepository(conn)
	machine, err := subscriptions.NewMachine(subscriptions.MachineParams{Repo: subRepo, Outbox: publisher})
	if err != nil {
		return nil, err
	}
	subscriptionSvc, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repo:     subRepo,
		Machine:  machine,
		TxRunner: dbClient,
	})
	if err != nil {
		return nil, err
	}
	ledger, err := payments.NewLedger(payments.LedgerParams{
		Repo:    payments.NewRepository(conn),
		Outbox:  publisher,
		Gateway: "stripe",
	})
	if err != nil {
		return nil, err
	}
	couponSvc, err := coupons.NewService(coupons.ServiceParams{
		Repo:   coupons.NewRepository(conn),
		Tx:     dbClient,
		Outbox: publisher,
		Plans:  catalog,
	})
	if err != nil {
		return nil, err
	}

	a.svc = &adminServices{
		catalog:       catalog,
		coupons:       couponSvc,
		ledger:        ledger,
		subscriptions: subscriptionSvc,
		outboxRepo:    outboxRepo,
		dlq:           outbox.NewDLQRepository(conn),
	}
	return a.svc, nil
}

func (a *app) close() {
	if a.dbClient != nil {
		_ = a.dbClient.Close()
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the billing reconciler",
		Long:          `Administrative commands for plans, coupons, subscriptions, the payment ledger and the event outbox.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}
	root.AddCommand(
		newPlansCmd(a),
		newCouponsCmd(a),
		newSubscriptionsCmd(a),
		newTransactionsCmd(a),
		newOutboxCmd(a),
		newTokenCmd(a),
	)
	return root
}
