package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/eventbus/internal/events"
	"github.com/angelmondragon/eventbus/pkg/broker"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/metrics"
	"github.com/angelmondragon/eventbus/pkg/outbox"
)

// Decision explains a retry request. Rejected decisions carry the code and
// reason; nothing was written for them.
type Decision struct {
	Resubmitted bool           `json:"resubmitted"`
	EventID     string         `json:"eventId"`
	Reason      string         `json:"reason,omitempty"`
	Code        pkgerrors.Code `json:"code,omitempty"`
}

type Params struct {
	Events  events.Store
	Broker  broker.Publisher
	Metrics *metrics.BusMetrics
	Logger  *logger.Logger
	Clock   func() time.Time
}

// Coordinator re-sends previously sent or failed events.
type Coordinator struct {
	events  events.Store
	broker  broker.Publisher
	metrics *metrics.BusMetrics
	logg    *logger.Logger
	now     func() time.Time
}

func NewCoordinator(params Params) (*Coordinator, error) {
	if params.Events == nil {
		return nil, errors.New("event store required")
	}
	if params.Broker == nil {
		return nil, errors.New("broker required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		events:  params.Events,
		broker:  params.Broker,
		metrics: params.Metrics,
		logg:    logg,
		now:     clock,
	}, nil
}

// Retry reports whether the event was resubmitted.
func (c *Coordinator) Retry(ctx context.Context, eventID string) (bool, error) {
	decision, err := c.Decide(ctx, eventID)
	return decision.Resubmitted, err
}

// Decide checks eligibility, re-sends the stored envelope and records the
// resend. Only store failures are returned as errors.
func (c *Coordinator) Decide(ctx context.Context, eventID string) (Decision, error) {
	decision := Decision{EventID: eventID}
	ctx = c.logg.WithEventID(ctx, eventID)

	record, err := c.events.Get(ctx, eventID)
	if errors.Is(err, events.ErrNotFound) {
		return c.reject(ctx, decision, pkgerrors.CodeNotFound, "event not found"), nil
	}
	if err != nil {
		c.metrics.IncRetry("store_error")
		return decision, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load event record")
	}

	now := c.now()
	if !record.Status.IsRetryable() {
		return c.reject(ctx, decision, pkgerrors.CodeIneligible, fmt.Sprintf("status %s is not retryable", record.Status)), nil
	}
	if record.Expired(now) {
		return c.reject(ctx, decision, pkgerrors.CodeIneligible, "event expired"), nil
	}

	env := outbox.EnvelopeFromRecord(*record).WithSentAt(now)
	if err := c.broker.Send(ctx, record.Topic, env); err != nil {
		c.logg.Error(ctx, "retry send failed", err)
		return c.reject(ctx, decision, pkgerrors.CodeTransport, err.Error()), nil
	}

	if err := c.events.RecordResend(ctx, eventID, now); err != nil {
		c.metrics.IncRetry("store_error")
		return decision, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record resend")
	}

	c.metrics.IncRetry("resent")
	c.logg.Info(c.logg.WithFields(ctx, map[string]any{
		"topic":       record.Topic,
		"retry_count": record.RetryCount + 1,
	}), "event resubmitted")
	decision.Resubmitted = true
	return decision, nil
}

func (c *Coordinator) reject(ctx context.Context, decision Decision, code pkgerrors.Code, reason string) Decision {
	c.metrics.IncRetry(rejectLabel(code))
	c.logg.Warn(c.logg.WithField(ctx, "reason", reason), "retry rejected")
	decision.Code = code
	decision.Reason = reason
	return decision
}

func rejectLabel(code pkgerrors.Code) string {
	switch code {
	case pkgerrors.CodeNotFound:
		return "not_found"
	case pkgerrors.CodeTransport:
		return "send_failed"
	default:
		return "ineligible"
	}
}
