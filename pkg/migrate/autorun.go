package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/billing-reconciler/pkg/config"
	"github.com/angelmondragon/billing-reconciler/pkg/db"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
)

// autoRunEnabled reports whether binaries should migrate on boot. Only dev
// does; other environments run cmd/migrate as a release step.
func autoRunEnabled(cfg *config.Config) bool {
	return cfg.App.IsDev() && cfg.FeatureFlags.AutoMigrate
}

// MaybeRunDev applies the embedded migrations when autoRunEnabled.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !autoRunEnabled(cfg) {
		return nil
	}
	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("sql handle: %w", err)
	}
	embedded, err := Source("")
	if err != nil {
		return err
	}
	runner, err := NewRunner(sqlDB, embedded, logg)
	if err != nil {
		return err
	}
	logg.Info(ctx, "migrate.autorun")
	return runner.Up(ctx)
}
