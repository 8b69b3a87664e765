package feedback

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/angelmondragon/eventbus/internal/consumptions"
	"github.com/angelmondragon/eventbus/pkg/broker"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/metrics"
)

// maxRounds bounds how often a write is re-decided after losing a race.
const maxRounds = 5

// Feedback is one consumer's outcome for one event.
type Feedback struct {
	EventID    string
	ConsumerID string
	Outcome    consumptions.Outcome
	ConsumedAt time.Time
}

type Params struct {
	Store    consumptions.Store
	Signaler broker.Signaler
	Metrics  *metrics.BusMetrics
	Logger   *logger.Logger
	Clock    func() time.Time
}

// Recorder writes consumer outcomes and triggers rollup. It only ever looks at
// the rows of a single (event, consumer) pair.
type Recorder struct {
	store    consumptions.Store
	signaler broker.Signaler
	metrics  *metrics.BusMetrics
	logg     *logger.Logger
	now      func() time.Time
}

func NewRecorder(params Params) (*Recorder, error) {
	if params.Store == nil {
		return nil, errors.New("consumption store required")
	}
	if params.Signaler == nil {
		return nil, errors.New("rollup signaler required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Recorder{
		store:    params.Store,
		signaler: params.Signaler,
		metrics:  params.Metrics,
		logg:     logg,
		now:      clock,
	}, nil
}

// RecordFeedback settles the consumer's pending attempt, or appends attempt
// max+1 when the latest attempt is already definite. A consumer with no rows
// for the event was not in its fan-out and gets CodeNotFound with no write. Each write is
// conditional; a lost race re-reads and decides again. Once the write is
// durable a rollup signal is emitted. A failed signal is logged, not returned.
func (r *Recorder) RecordFeedback(ctx context.Context, fb Feedback) error {
	fb.EventID = strings.TrimSpace(fb.EventID)
	fb.ConsumerID = strings.TrimSpace(fb.ConsumerID)
	if fb.EventID == "" || fb.ConsumerID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "eventId and consumerId are required")
	}
	if fb.Outcome.IsPending() {
		return pkgerrors.New(pkgerrors.CodeValidation, "feedback must carry a definite outcome")
	}
	if fb.ConsumedAt.IsZero() {
		fb.ConsumedAt = r.now()
	}

	ctx = r.logg.WithEventID(ctx, fb.EventID)
	ctx = r.logg.WithConsumerID(ctx, fb.ConsumerID)

	attemptNo, err := r.write(ctx, fb)
	if err != nil {
		r.metrics.IncFeedback("error")
		return err
	}
	r.metrics.IncFeedback(fb.Outcome.Kind().String())
	r.logg.Info(r.logg.WithFields(ctx, map[string]any{
		"attempt_no": attemptNo,
		"outcome":    fb.Outcome.Kind().String(),
	}), "consumer feedback recorded")

	if err := r.signaler.SignalRollup(ctx, fb.EventID); err != nil {
		r.metrics.IncSignalError()
		r.logg.Error(ctx, "rollup signal failed", err)
	}
	return nil
}

func (r *Recorder) write(ctx context.Context, fb Feedback) (int, error) {
	for round := 0; round < maxRounds; round++ {
		rows, err := r.store.ListByEventAndConsumer(ctx, fb.EventID, fb.ConsumerID)
		if err != nil {
			return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load consumption attempts")
		}

		if len(rows) == 0 {
			// Fan-out is fixed at publish time; a consumer without a
			// placeholder was never bound to this event.
			return 0, pkgerrors.New(pkgerrors.CodeNotFound, "consumer has no attempts for this event")
		}

		if consumptions.OutcomeOf(rows[0]).IsPending() {
			settled, err := r.store.Settle(ctx, rows[0].ID, fb.Outcome, fb.ConsumedAt)
			if err != nil {
				return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "settle consumption attempt")
			}
			if settled {
				return rows[0].AttemptNo, nil
			}
			r.logg.Debug(ctx, "pending attempt settled concurrently, re-reading")
			continue
		}

		next := rows[0].AttemptNo + 1
		row := consumptions.NewAttempt(fb.EventID, fb.ConsumerID, next, fb.Outcome, fb.ConsumedAt, r.now())
		err = r.store.Insert(ctx, row)
		if err == nil {
			return next, nil
		}
		if !consumptions.IsAttemptConflict(err) {
			return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert consumption attempt")
		}
		r.logg.Debug(r.logg.WithField(ctx, "attempt_no", next), "attempt number taken concurrently, re-reading")
	}
	return 0, pkgerrors.New(pkgerrors.CodeConflict, "consumption attempt contended, retry later")
}
