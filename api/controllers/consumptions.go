package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/eventbus/api/responses"
	"github.com/angelmondragon/eventbus/api/validators"
	"github.com/angelmondragon/eventbus/internal/consumptions"
	"github.com/angelmondragon/eventbus/internal/feedback"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/logger"
)

const maxErrorMessageLen = 4096

type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, fb feedback.Feedback) error
}

type feedbackRequest struct {
	ConsumerID   string     `json:"consumerId" validate:"required,identifier,max=128"`
	Success      *bool      `json:"success" validate:"required"`
	ErrorMessage string     `json:"errorMessage"`
	ErrorCode    string     `json:"errorCode" validate:"max=128"`
	ConsumedAt   *time.Time `json:"consumedAt"`
}

// RecordConsumption accepts an outcome reported by a remote consumer.
func RecordConsumption(recorder FeedbackRecorder, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := strings.TrimSpace(chi.URLParam(r, "eventId"))
		if eventID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "eventId is required"))
			return
		}

		var body feedbackRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		fb := feedback.Feedback{
			EventID:    eventID,
			ConsumerID: body.ConsumerID,
			Outcome: consumptions.OutcomeFromResult(
				*body.Success,
				validators.SanitizeString(body.ErrorMessage, maxErrorMessageLen),
				validators.SanitizeString(body.ErrorCode, 128),
			),
		}
		if body.ConsumedAt != nil {
			fb.ConsumedAt = body.ConsumedAt.UTC()
		}

		if err := recorder.RecordFeedback(r.Context(), fb); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]any{
			"eventId":    eventID,
			"consumerId": fb.ConsumerID,
			"outcome":    fb.Outcome.Kind().String(),
		})
	}
}
