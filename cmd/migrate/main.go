package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/billing-reconciler/pkg/config"
	"github.com/angelmondragon/billing-reconciler/pkg/db"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
	"github.com/angelmondragon/billing-reconciler/pkg/migrate"
)

const serviceName = "billing-migrate"

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})
	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "up|down|status|version|create|validate")
	dir := flag.String("dir", "", "migrations directory (default: the set embedded in this binary)")
	name := flag.String("name", "", "migration name for -cmd=create")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	// create and validate never touch the database
	switch *cmd {
	case "create":
		target := *dir
		if target == "" {
			target = migrate.DefaultDir
		}
		path, err := migrate.CreateSQLMigration(target, *name, time.Now())
		if err != nil {
			exitf("create migration: %v", err)
		}
		fmt.Println("created", path)
		return
	case "validate":
		fsys, err := migrate.Source(*dir)
		if err != nil {
			exitf("%v", err)
		}
		if err := migrate.ValidateFS(fsys); err != nil {
			exitf("migration validation failed: %v", err)
		}
		fmt.Println("migrations ok")
		return
	}

	ctx := logg.WithField(context.Background(), "cmd", *cmd)
	cfg, err := config.Load()
	mustOpen(ctx, logg, "config", err)
	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})
	ctx = logg.WithFields(ctx, map[string]any{"cmd": *cmd, "env": cfg.App.Env})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	mustOpen(ctx, logg, "database", err)
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	mustOpen(ctx, logg, "sql handle", err)
	fsys, err := migrate.Source(*dir)
	mustOpen(ctx, logg, "migrations", err)
	runner, err := migrate.NewRunner(sqlDB, fsys, logg)
	mustOpen(ctx, logg, "goose", err)

	if err := run(ctx, runner, *cmd, *version, os.Stdout); err != nil {
		logg.Error(ctx, "migrate.failed", err)
		os.Exit(1)
	}
	logg.Info(ctx, "migrate.done")
}

func run(ctx context.Context, runner *migrate.Runner, cmd, version string, out io.Writer) error {
	switch cmd {
	case "up":
		return runner.Up(ctx)
	case "down":
		return runner.Down(ctx)
	case "version":
		if version == "" {
			return fmt.Errorf("missing -version for version command")
		}
		return runner.To(ctx, version)
	case "status":
		lines, err := runner.Status(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tSTATE\tFILE")
		for _, l := range lines {
			state := "pending"
			if l.Applied {
				state = "applied"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\n", l.Version, state, l.Path)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown -cmd value %q", cmd)
	}
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func mustOpen(ctx context.Context, logg *logger.Logger, what string, err error) {
	if err == nil {
		return
	}
	logg.Error(logg.WithField(ctx, "resource", what), "migrate.bootstrap_failed", err)
	os.Exit(1)
}
