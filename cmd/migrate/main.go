package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/eventbus/internal/topics"
	"github.com/angelmondragon/eventbus/pkg/config"
	"github.com/angelmondragon/eventbus/pkg/db"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/migrate"
)

type options struct {
	cmd      string
	dir      string
	name     string
	version  string
	topic    string
	consumer string
	disable  bool
}

// gooseCommands run straight through goose against the migration source.
var gooseCommands = map[string]bool{"up": true, "down": true, "status": true}

func main() {
	var opts options
	flag.StringVar(&opts.cmd, "cmd", "up", "migration command: up|down|status|version|create|validate|bind")
	flag.StringVar(&opts.dir, "dir", migrate.DefaultDir, "goose migrations directory; empty uses the embedded set")
	flag.StringVar(&opts.name, "name", "", "migration name (create)")
	flag.StringVar(&opts.version, "version", "", "target version YYYYMMDDHHMMSS (version)")
	flag.StringVar(&opts.topic, "topic", "", "topic name (bind)")
	flag.StringVar(&opts.consumer, "consumer", "", "consumer id (bind)")
	flag.BoolVar(&opts.disable, "disable", false, "disable the binding instead of enabling it (bind)")
	flag.Parse()

	_ = godotenv.Load()

	logg := logger.New(logger.Options{ServiceName: "migrate"})
	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env": cfg.App.Env,
		"cmd": opts.cmd,
		"dir": opts.dir,
	})

	if err := run(ctx, cfg, logg, opts); err != nil {
		logg.Error(ctx, "migrate command failed", err)
		fmt.Fprintf(os.Stderr, "%s: %v\n", opts.cmd, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, opts options) error {
	switch opts.cmd {
	case "create":
		if opts.name == "" {
			return errors.New("missing -name")
		}
		path, err := migrate.CreateSQLMigration(opts.dir, opts.name)
		if err != nil {
			return err
		}
		fmt.Println("created migration:", path)
		return nil
	case "validate":
		var err error
		if opts.dir == "" {
			err = migrate.ValidateFS(migrate.Embedded(), "migrations")
		} else {
			err = migrate.ValidateDir(opts.dir)
		}
		if err != nil {
			return err
		}
		fmt.Println("migration validation passed")
		return nil
	}

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbClient.Close()

	switch {
	case gooseCommands[opts.cmd]:
		return withSQL(dbClient, func(sqlDB *sql.DB) error {
			return migrate.Run(ctx, sqlDB, opts.dir, opts.cmd)
		})
	case opts.cmd == "version":
		if opts.version == "" {
			return errors.New("missing -version")
		}
		return withSQL(dbClient, func(sqlDB *sql.DB) error {
			return migrate.MigrateToVersion(ctx, sqlDB, opts.dir, opts.version)
		})
	case opts.cmd == "bind":
		binding, err := topics.NewRepository(dbClient.DB()).UpsertBinding(ctx, opts.topic, opts.consumer, !opts.disable)
		if err != nil {
			return err
		}
		logg.Info(logg.WithTopic(ctx, binding.Topic), "topic binding written")
		fmt.Printf("consumer %s on topic %s enabled=%t\n", binding.ConsumerID, binding.Topic, binding.Enabled)
		return nil
	}
	return fmt.Errorf("unknown -cmd value %q", opts.cmd)
}

func withSQL(dbClient *db.Client, fn func(*sql.DB) error) error {
	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		return fmt.Errorf("sql handle: %w", err)
	}
	return fn(sqlDB)
}
