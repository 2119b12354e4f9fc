package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/billing-reconciler/api/controllers"
	billingcontrollers "github.com/angelmondragon/billing-reconciler/api/controllers/billing"
	subscriptionControllers "github.com/angelmondragon/billing-reconciler/api/controllers/subscriptions"
	webhookcontrollers "github.com/angelmondragon/billing-reconciler/api/controllers/webhooks"
	"github.com/angelmondragon/billing-reconciler/api/middleware"
	"github.com/angelmondragon/billing-reconciler/pkg/config"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
	"github.com/angelmondragon/billing-reconciler/pkg/redis"
)

type subscriptionService interface {
	subscriptionControllers.CurrentReader
	subscriptionControllers.Canceller
}

type rateLimiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

type redisStore interface {
	redis.ResponseStore
	redis.Pinger
	rateLimiter
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisClient redisStore,
	metricsHandler http.Handler,
	planSvc billingcontrollers.PlanLister,
	couponSvc billingcontrollers.CouponValidator,
	checkoutSvc billingcontrollers.CheckoutInitiator,
	ledger billingcontrollers.TransactionLister,
	subscriptionSvc subscriptionService,
	webhookVerifier webhookcontrollers.EventVerifier,
	webhookDispatcher webhookcontrollers.EventDispatcher,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	var redisPinger controllers.Pinger
	var idempotencyStore redis.ResponseStore
	var limiter rateLimiter
	if redisClient != nil {
		redisPinger = redisClient
		idempotencyStore = redisClient
		limiter = redisClient
	}

	checkoutPolicy := middleware.NewRateLimitPolicy(
		"checkout",
		cfg.Billing.CheckoutRateWindow,
		cfg.Billing.CheckoutRateLimit,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, map[string]controllers.Pinger{
			"postgres": dbP,
			"redis":    redisPinger,
		}, logg))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	webhook := webhookcontrollers.GatewayWebhook(webhookVerifier, webhookDispatcher, cfg.Billing.WebhookMaxBodyBytes, logg)
	r.Post("/webhooks/gateway", webhook)
	r.Post("/api/v1/webhooks/gateway", webhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.CORS(cfg.App.CORSOrigins))

		r.Get("/api/public/plans", billingcontrollers.PublicPlansList(planSvc, logg))

		validateCoupon := billingcontrollers.CouponValidate(couponSvc, logg)
		r.With(middleware.OptionalAuth(cfg.JWT, logg)).Post("/coupons/validate", validateCoupon)
		r.With(middleware.OptionalAuth(cfg.JWT, logg)).Post("/api/v1/coupons/validate", validateCoupon)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Use(middleware.Idempotency(idempotencyStore, cfg.Billing.RequestIdempotencyTTL, logg))

			checkout := billingcontrollers.Checkout(checkoutSvc, logg)
			limited := r.With(middleware.RateLimit(checkoutPolicy, limiter, logg))
			limited.Post("/checkout", checkout)
			limited.Post("/api/v1/checkout", checkout)

			r.Get("/api/v1/subscriptions/current", subscriptionControllers.SubscriptionCurrent(subscriptionSvc, logg))
			r.Get("/api/v1/billing/transactions", billingcontrollers.TransactionsList(ledger, logg))
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Use(middleware.RequireAdmin(logg))
			r.Use(middleware.Idempotency(idempotencyStore, cfg.Billing.RequestIdempotencyTTL, logg))
			r.Post("/api/admin/v1/subscriptions/{id}/cancel", subscriptionControllers.AdminSubscriptionCancel(subscriptionSvc, logg))
		})
	})

	return r
}
