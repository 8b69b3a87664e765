package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/eventbus/api/responses"
	"github.com/angelmondragon/eventbus/internal/retry"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/logger"
)

type Retrier interface {
	Decide(ctx context.Context, eventID string) (retry.Decision, error)
}

// RetryEvent re-sends a SENT or FAILED event.
func RetryEvent(svc Retrier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := strings.TrimSpace(chi.URLParam(r, "eventId"))
		if eventID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "eventId is required"))
			return
		}

		decision, err := svc.Decide(r.Context(), eventID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !decision.Resubmitted {
			responses.WriteError(r.Context(), logg, w, resultError(decision.Code, decision.Reason, decision.EventID))
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, decision)
	}
}
