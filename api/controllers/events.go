package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/eventbus/api/responses"
	"github.com/angelmondragon/eventbus/api/validators"
	"github.com/angelmondragon/eventbus/internal/consumptions"
	"github.com/angelmondragon/eventbus/internal/events"
	"github.com/angelmondragon/eventbus/internal/publish"
	"github.com/angelmondragon/eventbus/pkg/db/models"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/outbox"
)

type Publisher interface {
	Publish(ctx context.Context, env outbox.Envelope) (publish.Result, error)
}

type EventReader interface {
	Get(ctx context.Context, eventID string) (*models.Event, error)
}

type ConsumptionLister interface {
	ListByEvent(ctx context.Context, eventID string) ([]models.EventConsumption, error)
}

type initiatorRequest struct {
	Service         string `json:"service" validate:"max=128"`
	Operation       string `json:"operation" validate:"max=128"`
	UserID          string `json:"userId" validate:"max=128"`
	ClientRequestID string `json:"clientRequestId" validate:"max=128"`
}

type publishRequest struct {
	EventID       string            `json:"eventId" validate:"identifier,max=128"`
	TraceID       string            `json:"traceId" validate:"max=128"`
	SpanID        string            `json:"spanId" validate:"max=128"`
	ParentEventID string            `json:"parentEventId" validate:"max=128"`
	Topic         string            `json:"topic" validate:"required,identifier,max=255"`
	Payload       json.RawMessage   `json:"payload"`
	PayloadType   string            `json:"payloadType" validate:"max=128"`
	Initiator     *initiatorRequest `json:"initiator"`
	OccurredAt    *time.Time        `json:"occurredAt"`
	ExpireAt      *time.Time        `json:"expireAt"`
}

func (r publishRequest) toEnvelope() outbox.Envelope {
	params := outbox.EnvelopeParams{
		EventID:       r.EventID,
		TraceID:       validators.SanitizeString(r.TraceID, 128),
		SpanID:        validators.SanitizeString(r.SpanID, 128),
		ParentEventID: validators.SanitizeString(r.ParentEventID, 128),
		Topic:         r.Topic,
		Payload:       r.Payload,
		PayloadType:   r.PayloadType,
		ExpireAt:      r.ExpireAt,
	}
	if r.OccurredAt != nil {
		params.OccurredAt = r.OccurredAt.UTC()
	}
	if r.Initiator != nil {
		params.Initiator = &outbox.Initiator{
			Service:         validators.SanitizeString(r.Initiator.Service, 128),
			Operation:       validators.SanitizeString(r.Initiator.Operation, 128),
			UserID:          validators.SanitizeString(r.Initiator.UserID, 128),
			ClientRequestID: validators.SanitizeString(r.Initiator.ClientRequestID, 128),
		}
	}
	return outbox.BuildEnvelope(params)
}

// PublishEvent records and sends one envelope. Rejected publishes render as
// errors with the result code; the event id is included when one was assigned.
func PublishEvent(svc Publisher, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "publish service unavailable"))
			return
		}

		var body publishRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Publish(r.Context(), body.toEnvelope())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !result.Success {
			responses.WriteError(r.Context(), logg, w, resultError(result.Code, result.Message, result.EventID))
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, result)
	}
}

type eventView struct {
	Event        outbox.Envelope   `json:"event"`
	Status       string            `json:"status"`
	StatusAt     time.Time         `json:"statusAt"`
	RetryCount   int               `json:"retryCount"`
	LastSentAt   *time.Time        `json:"lastSentAt,omitempty"`
	Consumptions []consumptionView `json:"consumptions"`
}

type consumptionView struct {
	ConsumerID   string     `json:"consumerId"`
	AttemptNo    int        `json:"attemptNo"`
	Outcome      string     `json:"outcome"`
	ConsumedAt   *time.Time `json:"consumedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ErrorCode    string     `json:"errorCode,omitempty"`
}

// GetEvent returns the event record together with every consumption row.
func GetEvent(store EventReader, rows ConsumptionLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := strings.TrimSpace(chi.URLParam(r, "eventId"))
		if eventID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "eventId is required"))
			return
		}

		record, err := store.Get(r.Context(), eventID)
		if errors.Is(err, events.ErrNotFound) {
			responses.WriteError(r.Context(), logg, w, events.ErrNotFound)
			return
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load event"))
			return
		}

		attempts, err := rows.ListByEvent(r.Context(), eventID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load consumptions"))
			return
		}

		view := eventView{
			Event:        outbox.EnvelopeFromRecord(*record),
			Status:       string(record.Status),
			StatusAt:     record.StatusAt,
			RetryCount:   record.RetryCount,
			LastSentAt:   record.LastSentAt,
			Consumptions: make([]consumptionView, 0, len(attempts)),
		}
		for _, row := range attempts {
			outcome := consumptions.OutcomeOf(row)
			view.Consumptions = append(view.Consumptions, consumptionView{
				ConsumerID:   row.ConsumerID,
				AttemptNo:    row.AttemptNo,
				Outcome:      outcome.Kind().String(),
				ConsumedAt:   row.ConsumedAt,
				ErrorMessage: outcome.Message(),
				ErrorCode:    outcome.Code(),
			})
		}
		responses.WriteSuccess(w, view)
	}
}

func resultError(code pkgerrors.Code, message, eventID string) error {
	if code == "" {
		code = pkgerrors.CodeInternal
	}
	err := pkgerrors.New(code, message)
	if eventID != "" {
		err = err.WithDetails(map[string]any{"eventId": eventID})
	}
	return err
}
