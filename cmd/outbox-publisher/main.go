package main

import (
	"context"
	"fmt"

	"github.com/angelmondragon/billing-reconciler/internal/bootstrap"
	"github.com/angelmondragon/billing-reconciler/pkg/metrics"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox/registry"
	"github.com/angelmondragon/billing-reconciler/pkg/pubsub"
)

func main() {
	bootstrap.Main("billing-outbox-publisher", run)
}

func run(ctx context.Context, rt *bootstrap.Runtime) error {
	cfg := rt.Config
	ps, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, rt.Logger)
	if err != nil {
		return fmt.Errorf("open pubsub: %w", err)
	}
	rt.OnClose("pubsub", ps.Close)

	events, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		return fmt.Errorf("event registry: %w", err)
	}

	promRegistry := bootstrap.NewMetricsRegistry()
	conn := rt.DB.DB()
	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        rt.Logger,
		DB:            rt.DB,
		PubSub:        ps,
		Repository:    outbox.NewRepository(conn),
		Registry:      events,
		DLQRepository: outbox.NewDLQRepository(conn),
		Metrics:       metrics.NewOutboxMetrics(promRegistry),
	})
	if err != nil {
		return err
	}
	rt.ServeMetrics(ctx, cfg.Outbox.MetricsAddr, promRegistry)

	rt.Logger.Info(rt.Logger.WithField(ctx, "topic", cfg.PubSub.BillingTopic), "outbox_publisher.started")
	return service.Run(ctx)
}
