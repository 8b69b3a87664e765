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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/eventbus/api/controllers"
	"github.com/angelmondragon/eventbus/api/routes"
	"github.com/angelmondragon/eventbus/internal/consumptions"
	"github.com/angelmondragon/eventbus/internal/delivery"
	"github.com/angelmondragon/eventbus/internal/events"
	"github.com/angelmondragon/eventbus/internal/feedback"
	"github.com/angelmondragon/eventbus/internal/publish"
	"github.com/angelmondragon/eventbus/internal/retry"
	"github.com/angelmondragon/eventbus/internal/rollup"
	"github.com/angelmondragon/eventbus/internal/topics"
	"github.com/angelmondragon/eventbus/pkg/broker"
	"github.com/angelmondragon/eventbus/pkg/config"
	"github.com/angelmondragon/eventbus/pkg/db"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/metrics"
	"github.com/angelmondragon/eventbus/pkg/migrate"
	"github.com/angelmondragon/eventbus/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = config.ServiceKindAPI
	if err := cfg.Validate(); err != nil {
		logg.Error(context.Background(), "invalid config for service", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	busMetrics := metrics.NewBusMetrics(prometheus.DefaultRegisterer)
	eventRepo := events.NewRepository(dbClient.DB())
	consumptionRepo := consumptions.NewRepository(dbClient.DB())
	registry := topics.NewCachedRegistry(topics.NewRepository(dbClient.DB()), redisClient, cfg.Topics.CacheTTL, logg)

	publishService, err := publish.NewService(publish.ServiceParams{
		Tx:           dbClient,
		Registry:     registry,
		Events:       eventRepo,
		Consumptions: consumptionRepo,
		Broker:       bus,
		Metrics:      busMetrics,
		Logger:       logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create publish service", err)
		os.Exit(1)
	}

	recorder, err := feedback.NewRecorder(feedback.Params{
		Store:    consumptionRepo,
		Signaler: bus,
		Metrics:  busMetrics,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create feedback recorder", err)
		os.Exit(1)
	}

	coordinator, err := retry.NewCoordinator(retry.Params{
		Events:  eventRepo,
		Broker:  bus,
		Metrics: busMetrics,
		Logger:  logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create retry coordinator", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":    cfg.App.Env,
		"addr":   addr,
		"broker": cfg.Broker.Driver,
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, routes.Dependencies{
			Publisher:    publishService,
			Events:       eventRepo,
			Consumptions: consumptionRepo,
			Feedback:     recorder,
			Retry:        coordinator,
			Bindings:     registry,
			Idempotency:  redisClient,
			Readiness: map[string]controllers.Pinger{
				"database": dbClient,
				"redis":    redisClient,
				"broker":   bus,
			},
			Metrics: promhttp.Handler(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logg.Info(ctx, "starting api server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// The memory broker only reaches consumers inside this process, so the
	// rollup worker and a delivery listener run alongside the API.
	if cfg.Broker.Driver == config.BrokerDriverMemory {
		aggregator, err := rollup.NewAggregator(rollup.AggregatorParams{
			Events:       eventRepo,
			Consumptions: consumptionRepo,
			Metrics:      busMetrics,
			Logger:       logg,
		})
		if err != nil {
			logg.Error(ctx, "failed to create rollup aggregator", err)
			os.Exit(1)
		}
		worker, err := rollup.NewWorker(rollup.WorkerParams{
			Aggregator: aggregator,
			Workers:    cfg.Rollup.Workers,
			Logger:     logg,
		})
		if err != nil {
			logg.Error(ctx, "failed to create rollup worker", err)
			os.Exit(1)
		}
		worker.Start(groupCtx)
		group.Go(func() error {
			defer worker.Wait()
			return ignoreCanceled(bus.ReceiveRollups(groupCtx, worker.Handle))
		})

		listener, err := delivery.NewListener(delivery.ListenerParams{
			ConsumerID: cfg.Consumer.ID,
			Topics:     cfg.Consumer.Topics,
			Handler:    delivery.NewLogHandler(logg),
			Recorder:   recorder,
			Logger:     logg,
		})
		if err != nil {
			logg.Error(ctx, "failed to create in-process delivery listener", err)
			os.Exit(1)
		}
		group.Go(func() error {
			return ignoreCanceled(listener.Run(groupCtx, bus))
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shutting down gracefully")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
