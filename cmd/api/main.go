package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/billing-reconciler/api/routes"
	"github.com/angelmondragon/billing-reconciler/internal/bootstrap"
	"github.com/angelmondragon/billing-reconciler/internal/checkout"
	"github.com/angelmondragon/billing-reconciler/internal/coupons"
	"github.com/angelmondragon/billing-reconciler/internal/payments"
	"github.com/angelmondragon/billing-reconciler/internal/plans"
	"github.com/angelmondragon/billing-reconciler/internal/subscriptions"
	"github.com/angelmondragon/billing-reconciler/internal/users"
	gatewaywebhook "github.com/angelmondragon/billing-reconciler/internal/webhooks/gateway"
	"github.com/angelmondragon/billing-reconciler/pkg/config"
	"github.com/angelmondragon/billing-reconciler/pkg/db"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
	"github.com/angelmondragon/billing-reconciler/pkg/metrics"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
	"github.com/angelmondragon/billing-reconciler/pkg/redis"
	"github.com/angelmondragon/billing-reconciler/pkg/stripe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	bootstrap.Main("billing-api", run)
}

func run(ctx context.Context, rt *bootstrap.Runtime) error {
	cfg := rt.Config
	redisClient, err := rt.Redis(ctx)
	if err != nil {
		return err
	}
	stripeClient, err := stripe.NewClient(ctx, cfg.Stripe, cfg.Breaker, rt.Logger)
	if err != nil {
		return fmt.Errorf("stripe client: %w", err)
	}

	promRegistry := bootstrap.NewMetricsRegistry()
	svc, err := buildServices(cfg, rt.Logger, rt.DB, redisClient, stripeClient, metrics.NewBillingMetrics(promRegistry))
	if err != nil {
		return fmt.Errorf("wire billing services: %w", err)
	}

	server := &http.Server{
		Addr: ":" + cfg.App.Port,
		Handler: routes.NewRouter(
			cfg,
			rt.Logger,
			rt.DB,
			redisClient,
			promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
			svc.catalog,
			svc.coupons,
			svc.checkout,
			svc.ledger,
			svc.subscriptions,
			svc.verifier,
			svc.dispatcher,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx = rt.Logger.WithFields(ctx, map[string]any{
		"addr":       server.Addr,
		"stripe_env": stripeClient.Environment(),
	})

	serveErr := make(chan error, 1)
	go func() {
		rt.Logger.Info(ctx, "api.listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	rt.Logger.Info(ctx, "api.draining")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

type services struct {
	catalog       *plans.Catalog
	coupons       *coupons.Service
	checkout      *checkout.Service
	ledger        *payments.Ledger
	subscriptions *subscriptions.Service
	verifier      *gatewaywebhook.Verifier
	dispatcher    *gatewaywebhook.Dispatcher
}

func buildServices(
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	redisClient *redis.Client,
	stripeClient *stripe.Client,
	billingMetrics *metrics.BillingMetrics,
) (*services, error) {
	conn := dbClient.DB()
	publisher := outbox.NewService(outbox.NewRepository(conn), logg)
	userRepo := users.NewRepository(conn)
	subRepo := subscriptions.NewRepository(conn)

	catalog, err := plans.NewCatalog(plans.NewRepository(conn))
	if err != nil {
		return nil, err
	}
	machine, err := subscriptions.NewMachine(subscriptions.MachineParams{Repo: subRepo, Outbox: publisher})
	if err != nil {
		return nil, err
	}
	lookup, err := subscriptions.NewLookup(subRepo, catalog, userRepo)
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
		Gateway: stripeClient.Name(),
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
	checkoutSvc, err := checkout.NewService(checkout.ServiceParams{
		Tx:            dbClient,
		Plans:         catalog,
		Users:         userRepo,
		Subscriptions: subRepo,
		Machine:       machine,
		Ledger:        ledger,
		Coupons:       couponSvc,
		Gateway:       stripeClient,
		Config:        cfg.Billing,
		Logger:        logg,
		Metrics:       billingMetrics,
	})
	if err != nil {
		return nil, err
	}
	verifier, err := gatewaywebhook.NewVerifier(stripeClient, cfg.Stripe.WebhookSecret)
	if err != nil {
		return nil, err
	}
	guard, err := gatewaywebhook.NewEventGuard(redisClient, cfg.Billing.WebhookIdempotencyTTL, cfg.Billing.WebhookIdempotencyScope)
	if err != nil {
		return nil, err
	}
	dispatcher, err := gatewaywebhook.NewDispatcher(gatewaywebhook.DispatcherParams{
		Tx:      dbClient,
		Lookup:  lookup,
		Machine: machine,
		Ledger:  ledger,
		Users:   userRepo,
		Coupons: couponSvc,
		Guard:   guard,
		Config:  cfg.Billing,
		Logger:  logg,
		Metrics: billingMetrics,
	})
	if err != nil {
		return nil, err
	}

	return &services{
		catalog:       catalog,
		coupons:       couponSvc,
		checkout:      checkoutSvc,
		ledger:        ledger,
		subscriptions: subscriptionSvc,
		verifier:      verifier,
		dispatcher:    dispatcher,
	}, nil
}
