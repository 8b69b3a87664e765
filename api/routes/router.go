package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/eventbus/api/controllers"
	"github.com/angelmondragon/eventbus/api/middleware"
	"github.com/angelmondragon/eventbus/pkg/config"
	"github.com/angelmondragon/eventbus/pkg/logger"
)

type idempotencyStore interface {
	Get(context.Context, string) (string, error)
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	IdempotencyKey(scope, id string) string
}

// Dependencies are the services the HTTP surface dispatches to.
type Dependencies struct {
	Publisher    controllers.Publisher
	Events       controllers.EventReader
	Consumptions controllers.ConsumptionLister
	Feedback     controllers.FeedbackRecorder
	Retry        controllers.Retrier
	Bindings     controllers.BindingStore
	Idempotency  idempotencyStore
	// Readiness lists the dependencies /health/ready pings, by name.
	Readiness map[string]controllers.Pinger
	Metrics   http.Handler
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.HTTPLimit.CORSOrigins),
	)

	mountOps(r, cfg, logg, deps.Readiness, deps.Metrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.BodyLimit(cfg.HTTPLimit.MaxBodyBytes))
		r.Use(middleware.ClientID(cfg.Auth, logg))
		r.Use(middleware.Idempotency(deps.Idempotency, logg))

		r.Post("/events", controllers.PublishEvent(deps.Publisher, logg))
		r.Get("/events/{eventId}", controllers.GetEvent(deps.Events, deps.Consumptions, logg))
		r.Post("/events/{eventId}/consumptions", controllers.RecordConsumption(deps.Feedback, logg))
		r.Post("/events/{eventId}/retry", controllers.RetryEvent(deps.Retry, logg))

		r.Get("/topics/{topic}/consumers", controllers.ListTopicConsumers(deps.Bindings, logg))
		r.Put("/topics/{topic}/consumers/{consumerId}", controllers.PutTopicConsumer(deps.Bindings, logg))
	})

	return r
}

// NewOpsRouter serves only health and metrics, for the worker binaries.
func NewOpsRouter(cfg *config.Config, logg *logger.Logger, readiness map[string]controllers.Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer(logg))
	mountOps(r, cfg, logg, readiness, nil)
	return r
}

func mountOps(r chi.Router, cfg *config.Config, logg *logger.Logger, readiness map[string]controllers.Pinger, metrics http.Handler) {
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})
	r.Method(http.MethodGet, "/metrics", metrics)
}
