package config

const (
	EnvPrefix = "BILLING"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "BILLING_APP_ENV"
	EnvPort     = "BILLING_APP_PORT"
	EnvLogLevel = "BILLING_LOG_LEVEL"

	EnvDBDSN  = "BILLING_DB_DSN"
	EnvDBHost = "BILLING_DB_HOST"
	EnvDBUser = "BILLING_DB_USER"
	EnvDBName = "BILLING_DB_NAME"

	EnvRedisURL  = "BILLING_REDIS_URL"
	EnvJWTSecret = "BILLING_JWT_SECRET"
	EnvJWTIssuer = "BILLING_JWT_ISSUER"

	EnvStripeAPIKey        = "BILLING_STRIPE_API_KEY"
	EnvStripeWebhookSecret = "BILLING_STRIPE_WEBHOOK_SECRET"
	EnvStripeEnv           = "BILLING_STRIPE_ENV"

	EnvDefaultSuccessURL = "BILLING_DEFAULT_SUCCESS_URL"
	EnvDefaultCancelURL  = "BILLING_DEFAULT_CANCEL_URL"
	EnvDedupWindow       = "BILLING_DEDUP_WINDOW"
	EnvCurrency          = "BILLING_CURRENCY"
	EnvWebhookMaxBody    = "BILLING_WEBHOOK_MAX_BODY_BYTES"

	EnvOutboxMaxAttempts = "BILLING_OUTBOX_MAX_ATTEMPTS"
	EnvOutboxBatchSize   = "BILLING_OUTBOX_PUBLISH_BATCH_SIZE"
	EnvCronLockTTL       = "BILLING_CRON_LOCK_TTL"
)

var dsnPartEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
