package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/eventbus/api/responses"
	"github.com/angelmondragon/eventbus/api/validators"
	"github.com/angelmondragon/eventbus/pkg/db/models"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/logger"
)

type BindingStore interface {
	ListBindings(ctx context.Context, topic string) ([]models.TopicConsumer, error)
	UpsertBinding(ctx context.Context, topic, consumerID string, enabled bool) (*models.TopicConsumer, error)
}

type bindingView struct {
	Topic      string    `json:"topic"`
	ConsumerID string    `json:"consumerId"`
	Enabled    bool      `json:"enabled"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type bindingRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func ListTopicConsumers(store BindingStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := strings.TrimSpace(chi.URLParam(r, "topic"))
		if topic == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "topic is required"))
			return
		}
		rows, err := store.ListBindings(r.Context(), topic)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list bindings"))
			return
		}
		views := make([]bindingView, 0, len(rows))
		for _, row := range rows {
			views = append(views, toBindingView(row))
		}
		responses.WriteSuccess(w, views)
	}
}

// PutTopicConsumer enables or disables one consumer for a topic.
func PutTopicConsumer(store BindingStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := strings.TrimSpace(chi.URLParam(r, "topic"))
		consumerID := strings.TrimSpace(chi.URLParam(r, "consumerId"))
		if topic == "" || consumerID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "topic and consumerId are required"))
			return
		}
		if !validators.IsIdentifier(topic) || !validators.IsIdentifier(consumerID) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "topic and consumerId must not contain whitespace"))
			return
		}

		var body bindingRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		row, err := store.UpsertBinding(r.Context(), topic, consumerID, *body.Enabled)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save binding"))
			return
		}
		responses.WriteSuccess(w, toBindingView(*row))
	}
}

func toBindingView(row models.TopicConsumer) bindingView {
	return bindingView{
		Topic:      row.Topic,
		ConsumerID: row.ConsumerID,
		Enabled:    row.Enabled,
		UpdatedAt:  row.UpdatedAt,
	}
}
