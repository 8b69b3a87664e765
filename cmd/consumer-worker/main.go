package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/eventbus/api/controllers"
	"github.com/angelmondragon/eventbus/api/routes"
	"github.com/angelmondragon/eventbus/internal/consumptions"
	"github.com/angelmondragon/eventbus/internal/delivery"
	"github.com/angelmondragon/eventbus/internal/feedback"
	"github.com/angelmondragon/eventbus/pkg/bigquery"
	"github.com/angelmondragon/eventbus/pkg/broker"
	"github.com/angelmondragon/eventbus/pkg/config"
	"github.com/angelmondragon/eventbus/pkg/db"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/metrics"
	"github.com/angelmondragon/eventbus/pkg/migrate"
	"github.com/angelmondragon/eventbus/pkg/redis"
)

const (
	shutdownTimeout = 10 * time.Second

	handlerLog      = "log"
	handlerBigQuery = "bigquery"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "consumer-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = config.ServiceKindConsumer
	if err := cfg.Validate(); err != nil {
		logg.Error(context.Background(), "invalid consumer config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "consumer-worker",
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

	readiness := map[string]controllers.Pinger{
		"database": dbClient,
		"redis":    redisClient,
		"broker":   bus,
	}

	handler, closeHandler, err := buildHandler(context.Background(), cfg, logg, readiness)
	if err != nil {
		logg.Error(context.Background(), "failed to build event handler", err)
		os.Exit(1)
	}
	defer closeHandler()

	recorder, err := feedback.NewRecorder(feedback.Params{
		Store:    consumptions.NewRepository(dbClient.DB()),
		Signaler: bus,
		Metrics:  metrics.NewBusMetrics(prometheus.DefaultRegisterer),
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create feedback recorder", err)
		os.Exit(1)
	}

	params := delivery.ListenerParams{
		ConsumerID: cfg.Consumer.ID,
		Topics:     cfg.Consumer.Topics,
		Handler:    handler,
		Recorder:   recorder,
		Logger:     logg,
	}
	if cfg.Consumer.DedupeTTL > 0 {
		dedupe, err := delivery.NewDeduper(redisClient, cfg.Consumer.DedupeTTL)
		if err != nil {
			logg.Error(context.Background(), "failed to create delivery dedupe", err)
			os.Exit(1)
		}
		params.Dedupe = dedupe
	}

	listener, err := delivery.NewListener(params)
	if err != nil {
		logg.Error(context.Background(), "failed to create delivery listener", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"broker":      cfg.Broker.Driver,
		"consumer_id": cfg.Consumer.ID,
		"handler":     cfg.Consumer.Handler,
	})

	ops := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           routes.NewOpsRouter(cfg, logg, readiness),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := listener.Run(groupCtx, bus)
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
		logg.Error(ctx, "consumer worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "consumer worker shutting down gracefully")
}

// buildHandler selects the business handler named by the config. The
// returned close func releases whatever client the handler holds.
func buildHandler(ctx context.Context, cfg *config.Config, logg *logger.Logger, readiness map[string]controllers.Pinger) (delivery.Handler, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Consumer.Handler)) {
	case "", handlerLog:
		return delivery.NewLogHandler(logg), func() {}, nil
	case handlerBigQuery:
		client, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
		if err != nil {
			return nil, nil, err
		}
		if err := client.VerifyColumns(ctx, client.ArchiveTable(), delivery.ArchiveColumns()); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		handler, err := delivery.NewArchiveHandler(client, client.ArchiveTable())
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		readiness["bigquery"] = client
		return handler, func() {
			if err := client.Close(); err != nil {
				logg.Error(ctx, "error closing bigquery client", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported consumer handler %q", cfg.Consumer.Handler)
	}
}
