// Package bootstrap holds the process plumbing shared by the long-running
// binaries: environment loading, logger setup, the database pool, signal
// handling and the metrics listener.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/angelmondragon/billing-reconciler/pkg/config"
	"github.com/angelmondragon/billing-reconciler/pkg/db"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
	"github.com/angelmondragon/billing-reconciler/pkg/migrate"
	"github.com/angelmondragon/billing-reconciler/pkg/redis"
)

const metricsShutdownTimeout = 5 * time.Second

// Runtime is the configured process a binary wires its components into.
// Resources registered with OnClose are released in reverse order.
type Runtime struct {
	Service string
	Config  *config.Config
	Logger  *logger.Logger
	DB      *db.Client

	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

// Main runs fn with a context cancelled on SIGINT or SIGTERM and exits
// non-zero when startup or fn fails. Cancellation is a clean stop.
func Main(service string, fn func(ctx context.Context, rt *Runtime) error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rt, err := Start(ctx, service)
	if err != nil {
		stop()
		logger.New(logger.Options{ServiceName: service}).Error(ctx, "startup.failed", err)
		os.Exit(1)
	}

	err = fn(rt.Context(ctx), rt)
	stop()
	closeErr := rt.Close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err = multierr.Append(err, closeErr); err != nil {
		rt.Logger.Error(ctx, "process.failed", err)
		os.Exit(1)
	}
	rt.Logger.Info(ctx, "process.stopped")
}

// Start loads .env and config, builds the logger, opens the database and
// applies dev migrations when enabled.
func Start(ctx context.Context, service string) (*Runtime, error) {
	envErr := godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	rt := &Runtime{
		Service: service,
		Config:  cfg,
		Logger:  newLogger(service, cfg.App),
	}
	if envErr != nil {
		rt.Logger.Debug(ctx, "dotenv.skipped")
	}

	rt.DB, err = db.New(ctx, cfg.DB, rt.Logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.OnClose("database", rt.DB.Close)

	if err := migrate.MaybeRunDev(ctx, cfg, rt.Logger, rt.DB); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("dev migrations: %w", err)
	}
	return rt, nil
}

func newLogger(service string, app config.AppConfig) *logger.Logger {
	return logger.New(logger.Options{
		ServiceName: service,
		Level:       logger.ParseLevel(app.LogLevel),
		WarnStack:   app.LogWarnStack,
		Format:      app.LogFormat,
	})
}

// Context tags ctx with the fields every entry from this process carries.
func (rt *Runtime) Context(ctx context.Context) context.Context {
	return rt.Logger.WithField(ctx, "env", rt.Config.App.Env)
}

// Redis connects to the configured Redis and closes it with the runtime.
func (rt *Runtime) Redis(ctx context.Context) (*redis.Client, error) {
	client, err := redis.New(ctx, rt.Config.Redis, rt.Logger)
	if err != nil {
		return nil, fmt.Errorf("open redis: %w", err)
	}
	rt.OnClose("redis", client.Close)
	return client, nil
}

func (rt *Runtime) OnClose(name string, fn func() error) {
	rt.closers = append(rt.closers, namedCloser{name: name, fn: fn})
}

// Close releases registered resources, newest first, and returns every
// failure.
func (rt *Runtime) Close() error {
	var errs error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		c := rt.closers[i]
		if err := c.fn(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	rt.closers = nil
	return errs
}

// NewMetricsRegistry returns a registry preloaded with the Go runtime and
// process collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ServeMetrics exposes gatherer on addr/metrics until the runtime closes.
// An empty addr disables the listener.
func (rt *Runtime) ServeMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.Logger.Error(ctx, "metrics.listener_failed", err)
		}
	}()
	rt.OnClose("metrics listener", func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	rt.Logger.Info(rt.Logger.WithField(ctx, "metrics_addr", addr), "metrics.listening")
}
