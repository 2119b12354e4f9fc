package main

import (
	"context"
	"flag"

	"github.com/angelmondragon/billing-reconciler/internal/bootstrap"
	"github.com/angelmondragon/billing-reconciler/internal/cron"
	"github.com/angelmondragon/billing-reconciler/internal/payments"
	"github.com/angelmondragon/billing-reconciler/pkg/metrics"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
)

var onlyJob = flag.String("job", "", "run a single job by name and exit")

func main() {
	flag.Parse()
	bootstrap.Main("billing-cron-worker", run)
}

func run(ctx context.Context, rt *bootstrap.Runtime) error {
	cfg := rt.Config
	redisClient, err := rt.Redis(ctx)
	if err != nil {
		return err
	}
	jobs, err := buildRegistry(rt)
	if err != nil {
		return err
	}

	lockKey := cfg.Cron.LockKey
	if lockKey == "" {
		lockKey = redisClient.LockKey("cron")
	}
	lock, err := cron.NewRedisLock(redisClient, lockKey, cfg.Cron.LockTTL)
	if err != nil {
		return err
	}

	promRegistry := bootstrap.NewMetricsRegistry()
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   rt.Logger,
		Registry: jobs,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(promRegistry),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		return err
	}

	ctx = rt.Logger.WithField(ctx, "lock_key", lockKey)
	if *onlyJob != "" {
		return service.RunJob(ctx, *onlyJob)
	}
	rt.ServeMetrics(ctx, cfg.Cron.MetricsAddr, promRegistry)
	rt.Logger.Info(ctx, "cron_worker.started")
	return service.Run(ctx)
}

func buildRegistry(rt *bootstrap.Runtime) (*cron.Registry, error) {
	cfg, conn := rt.Config, rt.DB.DB()
	outboxRepo := outbox.NewRepository(conn)
	ledger, err := payments.NewLedger(payments.LedgerParams{
		Repo:    payments.NewRepository(conn),
		Outbox:  outbox.NewService(outboxRepo, rt.Logger),
		Gateway: "stripe",
	})
	if err != nil {
		return nil, err
	}

	sweep, err := cron.NewStaleCheckoutJob(cron.StaleCheckoutJobParams{
		Logger:    rt.Logger,
		DB:        rt.DB,
		Ledger:    ledger,
		TTL:       cfg.Billing.PendingCheckoutTTL,
		BatchSize: cfg.Cron.SweepBatchSize,
	})
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     rt.Logger,
		DB:         rt.DB,
		Repository: outboxRepo,
		Retention:  cfg.Cron.OutboxRetention,
	})
	if err != nil {
		return nil, err
	}
	return cron.NewRegistry(sweep, retention)
}
