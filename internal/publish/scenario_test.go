package publish_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/eventbus/internal/consumptions"
	"github.com/angelmondragon/eventbus/internal/delivery"
	"github.com/angelmondragon/eventbus/internal/events"
	"github.com/angelmondragon/eventbus/internal/feedback"
	"github.com/angelmondragon/eventbus/internal/publish"
	"github.com/angelmondragon/eventbus/internal/retry"
	"github.com/angelmondragon/eventbus/internal/rollup"
	"github.com/angelmondragon/eventbus/internal/topics"
	"github.com/angelmondragon/eventbus/pkg/broker"
	"github.com/angelmondragon/eventbus/pkg/db"
	"github.com/angelmondragon/eventbus/pkg/db/dbtest"
	"github.com/angelmondragon/eventbus/pkg/enums"
	"github.com/angelmondragon/eventbus/pkg/outbox"
	"github.com/stretchr/testify/require"
)

type bus struct {
	events       *events.Repository
	consumptions *consumptions.Repository
	topics       *topics.Repository
	broker       *broker.Memory
	publisher    *publish.Service
	recorder     *feedback.Recorder
	aggregator   *rollup.Aggregator
	retries      *retry.Coordinator
}

func newBus(t *testing.T) bus {
	t.Helper()
	conn := dbtest.Open(t)
	b := bus{
		events:       events.NewRepository(conn),
		consumptions: consumptions.NewRepository(conn),
		topics:       topics.NewRepository(conn),
		broker:       broker.NewMemory(16),
	}
	t.Cleanup(func() { _ = b.broker.Close() })

	var err error
	b.publisher, err = publish.NewService(publish.ServiceParams{
		Tx:           db.Wrap(conn),
		Registry:     b.topics,
		Events:       b.events,
		Consumptions: b.consumptions,
		Broker:       b.broker,
	})
	require.NoError(t, err)
	b.recorder, err = feedback.NewRecorder(feedback.Params{Store: b.consumptions, Signaler: b.broker})
	require.NoError(t, err)
	b.aggregator, err = rollup.NewAggregator(rollup.AggregatorParams{Events: b.events, Consumptions: b.consumptions})
	require.NoError(t, err)
	b.retries, err = retry.NewCoordinator(retry.Params{Events: b.events, Broker: b.broker})
	require.NoError(t, err)
	return b
}

func (b bus) feedback(t *testing.T, consumerID string, outcome consumptions.Outcome) enums.EventStatus {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.recorder.RecordFeedback(ctx, feedback.Feedback{EventID: "E1", ConsumerID: consumerID, Outcome: outcome}))
	require.NoError(t, b.aggregator.RollupAndWriteBack(ctx, "E1"))
	record, err := b.events.Get(ctx, "E1")
	require.NoError(t, err)
	return record.Status
}

func TestPublishFeedbackRollupScenario(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)
	_, err := b.topics.UpsertBinding(ctx, "order.purchased", "A", true)
	require.NoError(t, err)
	_, err = b.topics.UpsertBinding(ctx, "order.purchased", "B", true)
	require.NoError(t, err)
	_, err = b.topics.UpsertBinding(ctx, "order.purchased", "C", false)
	require.NoError(t, err)

	env := outbox.BuildEnvelope(outbox.EnvelopeParams{
		EventID: "E1",
		Topic:   "order.purchased",
		Payload: json.RawMessage(`{"orderId":"o-1","total":42}`),
	})
	result, err := b.publisher.Publish(ctx, env)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "E1", result.EventID)

	record, err := b.events.Get(ctx, "E1")
	require.NoError(t, err)
	require.Equal(t, enums.EventStatusSent, record.Status)
	require.NotNil(t, record.SentAt)
	require.NotNil(t, record.LastSentAt)

	rows, err := b.consumptions.ListByEvent(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, 0, row.AttemptNo)
		require.Nil(t, row.Success)
	}
	pendingEvents, _ := b.broker.Pending()
	require.Equal(t, 1, pendingEvents)

	require.Equal(t, enums.EventStatusSent, b.feedback(t, "A", consumptions.Succeeded()))
	require.Equal(t, enums.EventStatusConsumed, b.feedback(t, "B", consumptions.Succeeded()))
	require.Equal(t, enums.EventStatusPartial, b.feedback(t, "A", consumptions.Failed("handler crashed", "E_HANDLER")))

	attempts, err := b.consumptions.ListByEventAndConsumer(ctx, "E1", "A")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, 1, attempts[0].AttemptNo)
	require.True(t, consumptions.OutcomeOf(attempts[0]).IsFailed())

	_, pendingRollups := b.broker.Pending()
	require.Equal(t, 3, pendingRollups)
}

func TestPublishToUnboundTopicLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	env := outbox.BuildEnvelope(outbox.EnvelopeParams{EventID: "E1", Topic: "nobody.listens"})
	result, err := b.publisher.Publish(ctx, env)
	require.NoError(t, err)
	require.False(t, result.Success)

	_, err = b.events.Get(ctx, "E1")
	require.ErrorIs(t, err, events.ErrNotFound)
	rows, err := b.consumptions.ListByEvent(ctx, "E1")
	require.NoError(t, err)
	require.Empty(t, rows)
	pendingEvents, _ := b.broker.Pending()
	require.Zero(t, pendingEvents)
}

func TestRetryAfterPartialIsRejectedAndAfterSentIsAccepted(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)
	_, err := b.topics.UpsertBinding(ctx, "order.purchased", "A", true)
	require.NoError(t, err)

	env := outbox.BuildEnvelope(outbox.EnvelopeParams{EventID: "E1", Topic: "order.purchased"})
	_, err = b.publisher.Publish(ctx, env)
	require.NoError(t, err)

	ok, err := b.retries.Retry(ctx, "E1")
	require.NoError(t, err)
	require.True(t, ok)
	record, err := b.events.Get(ctx, "E1")
	require.NoError(t, err)
	require.Equal(t, 1, record.RetryCount)

	require.Equal(t, enums.EventStatusConsumed, b.feedback(t, "A", consumptions.Succeeded()))
	ok, err = b.retries.Retry(ctx, "E1")
	require.NoError(t, err)
	require.False(t, ok)

	record, err = b.events.Get(ctx, "E1")
	require.NoError(t, err)
	require.Equal(t, 1, record.RetryCount)
	require.Equal(t, enums.EventStatusConsumed, record.Status)
	require.WithinDuration(t, time.Now().UTC(), record.UpdatedAt, time.Minute)
}

func TestUnboundConsumerCannotJoinFanOut(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)
	_, err := b.topics.UpsertBinding(ctx, "order.purchased", "A", true)
	require.NoError(t, err)

	env := outbox.BuildEnvelope(outbox.EnvelopeParams{
		EventID: "E1",
		Topic:   "order.purchased",
		Payload: json.RawMessage(`{"orderId":"o-1"}`),
	})
	result, err := b.publisher.Publish(ctx, env)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, enums.EventStatusConsumed, b.feedback(t, "A", consumptions.Succeeded()))

	// Z subscribes to the topic in its own config but was never bound.
	listener, err := delivery.NewListener(delivery.ListenerParams{
		ConsumerID: "Z",
		Topics:     []string{"order.purchased"},
		Handler: delivery.HandlerFunc(func(context.Context, outbox.Envelope) error {
			return errors.New("handler crashed")
		}),
		Recorder: b.recorder,
	})
	require.NoError(t, err)
	require.NoError(t, listener.Handle(ctx, env), "rejected feedback must be acked")

	require.NoError(t, b.aggregator.RollupAndWriteBack(ctx, "E1"))
	record, err := b.events.Get(ctx, "E1")
	require.NoError(t, err)
	require.Equal(t, enums.EventStatusConsumed, record.Status)

	rows, err := b.consumptions.ListByEvent(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "A", rows[0].ConsumerID)
}
