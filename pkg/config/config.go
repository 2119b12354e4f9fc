package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Stripe       StripeConfig
	Billing      BillingConfig
	Breaker      BreakerConfig
	Cron         CronConfig
	Outbox       OutboxConfig
	PubSub       PubSubConfig
	GCP          GCPConfig
}

// Load reads the process environment, fills in the database DSN from its
// parts when needed and rejects settings the services cannot run with.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}

	env := c.Stripe.Environment()
	check(env == "test" || env == "live", "%s must be test or live, got %q", EnvStripeEnv, c.Stripe.Env)
	check(len(strings.TrimSpace(c.Billing.Currency)) == 3, "%s must be a three letter code", EnvCurrency)
	check(c.Billing.DedupWindow > 0, "%s must be positive", EnvDedupWindow)
	check(c.Billing.WebhookMaxBodyBytes > 0, "%s must be positive", EnvWebhookMaxBody)
	check(absoluteURL(c.Billing.DefaultSuccessURL), "%s must be an absolute http(s) URL", EnvDefaultSuccessURL)
	check(absoluteURL(c.Billing.DefaultCancelURL), "%s must be an absolute http(s) URL", EnvDefaultCancelURL)
	check(c.Outbox.MaxAttempts > 0, "%s must be positive", EnvOutboxMaxAttempts)
	check(c.Outbox.BatchSize > 0, "%s must be positive", EnvOutboxBatchSize)
	check(c.Cron.LockTTL > 0, "%s must be positive", EnvCronLockTTL)
	return errs
}

// absoluteURL accepts an empty value; callers fall back to request URLs.
func absoluteURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

type AppConfig struct {
	Env          string   `envconfig:"BILLING_APP_ENV" required:"true"`
	Port         string   `envconfig:"BILLING_APP_PORT" default:"8080"`
	LogLevel     string   `envconfig:"BILLING_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"BILLING_LOG_WARN_STACK" default:"false"`
	LogFormat    string   `envconfig:"BILLING_LOG_FORMAT" default:"json"`
	CORSOrigins  []string `envconfig:"BILLING_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"BILLING_DB_DSN"`
	Driver string `envconfig:"BILLING_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"BILLING_DB_HOST"`
	Port     int    `envconfig:"BILLING_DB_PORT" default:"5432"`
	User     string `envconfig:"BILLING_DB_USER"`
	Password string `envconfig:"BILLING_DB_PASSWORD"`
	Name     string `envconfig:"BILLING_DB_NAME"`
	SSLMode  string `envconfig:"BILLING_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BILLING_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BILLING_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BILLING_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BILLING_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"BILLING_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"BILLING_REDIS_URL" default:"redis://localhost:6379/0"`
	PoolSize     int           `envconfig:"BILLING_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BILLING_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BILLING_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BILLING_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BILLING_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"BILLING_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"BILLING_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"BILLING_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"BILLING_AUTO_MIGRATE" default:"false"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"BILLING_STRIPE_API_KEY"`
	WebhookSecret string `envconfig:"BILLING_STRIPE_WEBHOOK_SECRET"`
	Env           string `envconfig:"BILLING_STRIPE_ENV" default:"test"`
}

// Environment is the lower-cased gateway mode, "test" when unset.
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// BillingConfig carries the checkout and reconciliation knobs that the
// checkout initiator and webhook pipeline receive at construction.
type BillingConfig struct {
	DefaultSuccessURL       string        `envconfig:"BILLING_DEFAULT_SUCCESS_URL"`
	DefaultCancelURL        string        `envconfig:"BILLING_DEFAULT_CANCEL_URL"`
	Currency                string        `envconfig:"BILLING_CURRENCY" default:"usd"`
	DedupWindow             time.Duration `envconfig:"BILLING_DEDUP_WINDOW" default:"5m"`
	PendingCheckoutTTL      time.Duration `envconfig:"BILLING_PENDING_CHECKOUT_TTL" default:"24h"`
	WebhookMaxBodyBytes     int64         `envconfig:"BILLING_WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
	WebhookIdempotencyTTL   time.Duration `envconfig:"BILLING_WEBHOOK_IDEMPOTENCY_TTL" default:"168h"`
	WebhookIdempotencyScope string        `envconfig:"BILLING_WEBHOOK_IDEMPOTENCY_SCOPE" default:"stripe_webhook"`
	CheckoutRateLimit       int           `envconfig:"BILLING_CHECKOUT_RATE_LIMIT" default:"10"`
	CheckoutRateWindow      time.Duration `envconfig:"BILLING_CHECKOUT_RATE_WINDOW" default:"1m"`
	RequestIdempotencyTTL   time.Duration `envconfig:"BILLING_REQUEST_IDEMPOTENCY_TTL" default:"24h"`
}

type BreakerConfig struct {
	Enabled          bool          `envconfig:"BILLING_GATEWAY_BREAKER_ENABLED" default:"true"`
	MaxRequests      uint32        `envconfig:"BILLING_GATEWAY_BREAKER_MAX_REQUESTS" default:"1"`
	Interval         time.Duration `envconfig:"BILLING_GATEWAY_BREAKER_INTERVAL" default:"60s"`
	Timeout          time.Duration `envconfig:"BILLING_GATEWAY_BREAKER_TIMEOUT" default:"30s"`
	FailureThreshold uint32        `envconfig:"BILLING_GATEWAY_BREAKER_FAILURES" default:"5"`
}

type CronConfig struct {
	Interval        time.Duration `envconfig:"BILLING_CRON_INTERVAL" default:"15m"`
	LockTTL         time.Duration `envconfig:"BILLING_CRON_LOCK_TTL" default:"10m"`
	LockKey         string        `envconfig:"BILLING_CRON_LOCK_KEY"`
	SweepBatchSize  int           `envconfig:"BILLING_CRON_SWEEP_BATCH_SIZE" default:"100"`
	OutboxRetention time.Duration `envconfig:"BILLING_CRON_OUTBOX_RETENTION" default:"720h"`
	MetricsAddr     string        `envconfig:"BILLING_CRON_METRICS_ADDR" default:""`
}

type OutboxConfig struct {
	BatchSize      int    `envconfig:"BILLING_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int    `envconfig:"BILLING_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int    `envconfig:"BILLING_OUTBOX_MAX_ATTEMPTS" default:"10"`
	MetricsAddr    string `envconfig:"BILLING_OUTBOX_METRICS_ADDR" default:""`
}

type PubSubConfig struct {
	BillingTopic string `envconfig:"BILLING_PUBSUB_BILLING_TOPIC" default:"billing-events"`
	DLQTopic     string `envconfig:"BILLING_PUBSUB_DLQ_TOPIC" default:"billing-events-dlq"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"BILLING_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"BILLING_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"BILLING_GOOGLE_APPLICATION_CREDENTIALS"`
}

// ensureDSN assembles a postgres URL from the discrete BILLING_DB_* parts
// when no DSN was given.
func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	parts := map[string]string{EnvDBHost: db.Host, EnvDBUser: db.User, EnvDBName: db.Name}
	var missing []string
	for _, env := range dsnPartEnvVars {
		if parts[env] == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("set %s or all of %s", EnvDBDSN, strings.Join(missing, ", "))
	}

	user := url.User(db.User)
	if db.Password != "" {
		user = url.UserPassword(db.User, db.Password)
	}
	dsn := url.URL{
		Scheme: "postgres",
		User:   user,
		Host:   net.JoinHostPort(db.Host, strconv.Itoa(db.Port)),
		Path:   db.Name,
	}
	if db.SSLMode != "" {
		dsn.RawQuery = url.Values{"sslmode": {db.SSLMode}}.Encode()
	}
	db.DSN = dsn.String()
	return nil
}
