package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/eventbus/api/controllers"
	"github.com/angelmondragon/eventbus/api/routes"
	"github.com/angelmondragon/eventbus/internal/consumptions"
	"github.com/angelmondragon/eventbus/internal/events"
	"github.com/angelmondragon/eventbus/internal/rollup"
	"github.com/angelmondragon/eventbus/pkg/broker"
	"github.com/angelmondragon/eventbus/pkg/config"
	"github.com/angelmondragon/eventbus/pkg/db"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/metrics"
	"github.com/angelmondragon/eventbus/pkg/migrate"
	"github.com/angelmondragon/eventbus/pkg/redis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "rollup-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = config.ServiceKindRollup
	if err := cfg.Validate(); err != nil {
		logg.Error(context.Background(), "invalid config for service", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "rollup-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	bus, err := broker.New(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap broker", err)
		os.Exit(1)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logg.Error(context.Background(), "error closing broker", err)
		}
	}()

	aggregator, err := rollup.NewAggregator(rollup.AggregatorParams{
		Events:       events.NewRepository(dbClient.DB()),
		Consumptions: consumptions.NewRepository(dbClient.DB()),
		Metrics:      metrics.NewBusMetrics(prometheus.DefaultRegisterer),
		Logger:       logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create rollup aggregator", err)
		os.Exit(1)
	}

	worker, err := rollup.NewWorker(rollup.WorkerParams{
		Aggregator: aggregator,
		Locker:     rollup.NewEventLocker(redisClient, cfg.Rollup.LockTTL, cfg.Rollup.LockWait),
		Workers:    cfg.Rollup.Workers,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create rollup worker", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"broker":      cfg.Broker.Driver,
		"workers":     cfg.Rollup.Workers,
	})

	ops := &http.Server{
		Addr: ":" + cfg.App.Port,
		Handler: routes.NewOpsRouter(cfg, logg, map[string]controllers.Pinger{
			"database": dbClient,
			"redis":    redisClient,
			"broker":   bus,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	worker.Start(groupCtx)

	group.Go(func() error {
		defer worker.Wait()
		logg.Info(ctx, "starting rollup worker")
		err := bus.ReceiveRollups(groupCtx, worker.Handle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logg.Error(ctx, "rollup worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "rollup worker shutting down gracefully")
}
