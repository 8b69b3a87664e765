package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/eventbus/internal/consumptions"
	"github.com/angelmondragon/eventbus/internal/feedback"
	"github.com/angelmondragon/eventbus/pkg/broker"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/outbox"
)

// Handler runs the consumer's business logic for one envelope.
type Handler interface {
	Handle(ctx context.Context, env outbox.Envelope) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, env outbox.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env outbox.Envelope) error {
	return f(ctx, env)
}

type feedbackRecorder interface {
	RecordFeedback(ctx context.Context, fb feedback.Feedback) error
}

type deliveryClaimer interface {
	Claim(ctx context.Context, consumerID, eventID string) (bool, error)
	Forget(ctx context.Context, consumerID, eventID string) error
}

type eventReceiver interface {
	ReceiveEvents(ctx context.Context, fn broker.EventHandler) error
}

type ListenerParams struct {
	ConsumerID string
	// Topics limits which envelopes are handled. Empty means every topic.
	Topics   []string
	Handler  Handler
	Recorder feedbackRecorder
	// Dedupe is optional. Without it every delivery runs the handler.
	Dedupe deliveryClaimer
	Logger *logger.Logger
	Clock  func() time.Time
}

// Listener is the consumer side of the bus. It runs a Handler per delivered
// envelope and reports the outcome as consumption feedback.
type Listener struct {
	consumerID string
	topics     map[string]struct{}
	handler    Handler
	recorder   feedbackRecorder
	dedupe     deliveryClaimer
	logg       *logger.Logger
	now        func() time.Time
}

func NewListener(params ListenerParams) (*Listener, error) {
	consumerID := strings.TrimSpace(params.ConsumerID)
	if consumerID == "" {
		return nil, errors.New("consumer id required")
	}
	if params.Handler == nil {
		return nil, errors.New("handler required")
	}
	if params.Recorder == nil {
		return nil, errors.New("feedback recorder required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	var topics map[string]struct{}
	for _, topic := range params.Topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		if topics == nil {
			topics = map[string]struct{}{}
		}
		topics[topic] = struct{}{}
	}

	if len(topics) == 0 {
		return nil, errors.New("at least one topic required")
	}

	return &Listener{
		consumerID: consumerID,
		topics:     topics,
		handler:    params.Handler,
		recorder:   params.Recorder,
		dedupe:     params.Dedupe,
		logg:       logg,
		now:        clock,
	}, nil
}

// Run blocks receiving envelopes until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, receiver eventReceiver) error {
	if receiver == nil {
		return errors.New("event receiver required")
	}
	l.logg.Info(l.logg.WithConsumerID(ctx, l.consumerID), "delivery listener started")
	return receiver.ReceiveEvents(ctx, l.Handle)
}

// Handle processes one delivery. A nil return acks it. Retryable handler
// failures are recorded as failed attempts and returned so the broker
// redelivers; non-retryable ones are recorded and acked, leaving a resubmit to
// the retry coordinator.
func (l *Listener) Handle(ctx context.Context, env outbox.Envelope) error {
	ctx = l.logg.WithEventID(ctx, env.EventID)
	ctx = l.logg.WithConsumerID(ctx, l.consumerID)
	ctx = l.logg.WithTopic(ctx, env.Topic)

	if !l.subscribed(env.Topic) {
		l.logg.Debug(ctx, "envelope topic not subscribed, skipping")
		return nil
	}

	if l.dedupe == nil {
		_, err := l.consume(ctx, env)
		return err
	}
	seen, err := l.dedupe.Claim(ctx, l.consumerID, env.EventID)
	if err != nil {
		l.logg.Warn(l.logg.WithField(ctx, "reason", err.Error()), "delivery dedupe unavailable")
		_, consumeErr := l.consume(ctx, env)
		return consumeErr
	}
	if seen {
		l.logg.Info(ctx, "duplicate delivery skipped")
		return nil
	}
	settled, consumeErr := l.consume(ctx, env)
	if !settled {
		if err := l.dedupe.Forget(context.WithoutCancel(ctx), l.consumerID, env.EventID); err != nil {
			l.logg.Error(ctx, "release delivery claim", err)
		}
	}
	return consumeErr
}

// consume runs the handler and records its outcome. settled is true only when
// the handler succeeded and the success was recorded.
func (l *Listener) consume(ctx context.Context, env outbox.Envelope) (bool, error) {
	handleErr := l.handler.Handle(ctx, env)
	outcome := consumptions.Succeeded()
	if handleErr != nil {
		outcome = consumptions.Failed(handleErr.Error(), errorCode(handleErr))
		l.logg.Error(ctx, "event handler failed", handleErr)
	}

	err := l.recorder.RecordFeedback(ctx, feedback.Feedback{
		EventID:    env.EventID,
		ConsumerID: l.consumerID,
		Outcome:    outcome,
		ConsumedAt: l.now(),
	})
	if err != nil {
		if !pkgerrors.Retryable(err) {
			// Not part of this event's fan-out, or the event is gone.
			// Redelivery cannot change that.
			l.logg.Warn(l.logg.WithField(ctx, "reason", err.Error()), "consumption feedback rejected, delivery acked")
			return false, nil
		}
		l.logg.Error(ctx, "record consumption feedback", err)
		if handleErr != nil {
			return false, handleErr
		}
		return false, err
	}
	if handleErr == nil {
		return true, nil
	}
	if !pkgerrors.Retryable(handleErr) {
		l.logg.Warn(l.logg.WithField(ctx, "error_code", outcome.Code()), "non-retryable handler failure acked")
		return false, nil
	}
	return false, handleErr
}

func (l *Listener) subscribed(topic string) bool {
	_, ok := l.topics[topic]
	return ok
}

// errorCode is the bus error code when the error carries one, else the
// error's Go type name.
func errorCode(err error) string {
	if code := pkgerrors.CodeOf(err); code != "" {
		return string(code)
	}
	return fmt.Sprintf("%T", err)
}
