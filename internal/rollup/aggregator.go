package rollup

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/eventbus/internal/consumptions"
	"github.com/angelmondragon/eventbus/internal/events"
	"github.com/angelmondragon/eventbus/pkg/db/models"
	"github.com/angelmondragon/eventbus/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/metrics"
)

// Classify derives the aggregate status from each consumer's latest attempt.
// It reports false when there are no consumers to classify.
func Classify(latest map[string]models.EventConsumption) (enums.EventStatus, bool) {
	if len(latest) == 0 {
		return "", false
	}
	var succeeded, failed int
	for _, row := range latest {
		outcome := consumptions.OutcomeOf(row)
		switch outcome.Kind() {
		case consumptions.OutcomePending:
			return enums.EventStatusSent, true
		case consumptions.OutcomeSucceeded:
			succeeded++
		case consumptions.OutcomeFailed:
			failed++
		}
	}
	switch {
	case failed == len(latest):
		return enums.EventStatusFailed, true
	case succeeded == len(latest):
		return enums.EventStatusConsumed, true
	default:
		return enums.EventStatusPartial, true
	}
}

type AggregatorParams struct {
	Events       events.Store
	Consumptions consumptions.Store
	Metrics      *metrics.BusMetrics
	Logger       *logger.Logger
	Clock        func() time.Time
}

// Aggregator recomputes an event's status from its consumption attempts.
type Aggregator struct {
	events       events.Store
	consumptions consumptions.Store
	metrics      *metrics.BusMetrics
	logg         *logger.Logger
	now          func() time.Time
}

func NewAggregator(params AggregatorParams) (*Aggregator, error) {
	if params.Events == nil {
		return nil, errors.New("event store required")
	}
	if params.Consumptions == nil {
		return nil, errors.New("consumption store required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Aggregator{
		events:       params.Events,
		consumptions: params.Consumptions,
		metrics:      params.Metrics,
		logg:         logg,
		now:          clock,
	}, nil
}

// RollupAndWriteBack is idempotent. A missing event is logged and skipped;
// store failures are returned so the trigger is redelivered.
func (a *Aggregator) RollupAndWriteBack(ctx context.Context, eventID string) error {
	ctx = a.logg.WithEventID(ctx, eventID)

	record, err := a.events.Get(ctx, eventID)
	if errors.Is(err, events.ErrNotFound) {
		a.logg.Warn(ctx, "rollup skipped: event not found")
		return nil
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load event record")
	}

	rows, err := a.consumptions.ListByEvent(ctx, eventID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load consumption attempts")
	}
	status, ok := Classify(consumptions.LatestPerConsumer(rows))
	if !ok {
		a.logg.Warn(ctx, "rollup skipped: event has no consumption rows")
		return nil
	}

	if err := a.events.UpdateStatus(ctx, eventID, status, a.now()); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write event status")
	}
	a.metrics.IncRollup(status.String())
	a.logg.Info(a.logg.WithFields(ctx, map[string]any{
		"from_status": record.Status.String(),
		"status":      status.String(),
	}), "event rolled up")
	return nil
}
