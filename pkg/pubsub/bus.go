package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/outbox"
)

// Message attributes carried next to every envelope.
const (
	AttrTopic       = "topic"
	AttrEventID     = "event_id"
	AttrPayloadType = "payload_type"
)

const defaultPublishTimeout = 15 * time.Second

type publisher interface {
	Publish(context.Context, *pubsub.Message) publishResult
	ResumePublish(orderingKey string)
	Stop()
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type receiver interface {
	Receive(context.Context, func(context.Context, *pubsub.Message)) error
}

// Bus carries envelopes and rollup signals over Pub/Sub. Every envelope goes
// to one events topic and is routed by the topic attribute; rollup signals
// are ordered by event id.
type Bus struct {
	client  *Client
	logg    *logger.Logger
	events  publisher
	rollup  publisher
	eventsR receiver
	rollupR receiver

	stopOnce sync.Once
}

// NewBus wires publishers and subscribers from the client.
func NewBus(client *Client, logg *logger.Logger) *Bus {
	b := &Bus{client: client, logg: logg}
	if p := client.EventsPublisher(); p != nil {
		b.events = &gcpPublisher{Publisher: p}
	}
	if p := client.RollupPublisher(); p != nil {
		b.rollup = &gcpPublisher{Publisher: p}
	}
	if s := client.ConsumerSubscription(); s != nil {
		b.eventsR = s
	}
	if s := client.RollupSubscription(); s != nil {
		b.rollupR = s
	}
	return b
}

func (b *Bus) Send(ctx context.Context, topic string, env outbox.Envelope) error {
	if b.events == nil {
		return errors.New("pubsub events publisher not configured")
	}
	msg, err := eventMessage(topic, env)
	if err != nil {
		return err
	}
	return b.publish(ctx, b.events, msg)
}

func (b *Bus) SignalRollup(ctx context.Context, eventID string) error {
	if b.rollup == nil {
		return errors.New("pubsub rollup publisher not configured")
	}
	if strings.TrimSpace(eventID) == "" {
		return errors.New("event id is required")
	}
	msg := &pubsub.Message{
		Data:        []byte(eventID),
		Attributes:  map[string]string{AttrEventID: eventID},
		OrderingKey: eventID,
	}
	if err := b.publish(ctx, b.rollup, msg); err != nil {
		b.rollup.ResumePublish(eventID)
		return err
	}
	return nil
}

func (b *Bus) publish(ctx context.Context, pub publisher, msg *pubsub.Message) error {
	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	result := pub.Publish(publishCtx, msg)
	if result == nil {
		return errors.New("publisher returned nil result")
	}
	if _, err := result.Get(publishCtx); err != nil {
		return fmt.Errorf("pubsub publish: %w", err)
	}
	return nil
}

// ReceiveEvents blocks on the consumer subscription until ctx is canceled.
func (b *Bus) ReceiveEvents(ctx context.Context, fn func(context.Context, outbox.Envelope) error) error {
	if b.eventsR == nil {
		return errors.New("pubsub consumer subscription not configured")
	}
	return b.eventsR.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if b.handleEvent(ctx, msg, fn) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// ReceiveRollups blocks on the rollup subscription until ctx is canceled.
func (b *Bus) ReceiveRollups(ctx context.Context, fn func(context.Context, string) error) error {
	if b.rollupR == nil {
		return errors.New("pubsub rollup subscription not configured")
	}
	return b.rollupR.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if b.handleRollup(ctx, msg, fn) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// handleEvent reports whether the message should be acked. Undecodable
// envelopes are acked since redelivery cannot fix them.
func (b *Bus) handleEvent(ctx context.Context, msg *pubsub.Message, fn func(context.Context, outbox.Envelope) error) bool {
	env, err := decodeEventMessage(msg)
	if err != nil {
		b.logError(ctx, msg, "failed to decode envelope", err)
		return true
	}
	if err := fn(ctx, env); err != nil {
		b.logError(ctx, msg, "event handler failed", err)
		return false
	}
	return true
}

func (b *Bus) handleRollup(ctx context.Context, msg *pubsub.Message, fn func(context.Context, string) error) bool {
	eventID := rollupEventID(msg)
	if eventID == "" {
		b.logError(ctx, msg, "rollup signal without event id", errors.New("empty event id"))
		return true
	}
	if err := fn(ctx, eventID); err != nil {
		b.logError(ctx, msg, "rollup handler failed", err)
		return false
	}
	return true
}

func (b *Bus) logError(ctx context.Context, msg *pubsub.Message, text string, err error) {
	if b.logg == nil {
		return
	}
	fields := map[string]any{"message_id": msg.ID}
	if id := msg.Attributes[AttrEventID]; id != "" {
		fields["event_id"] = id
	}
	b.logg.Error(b.logg.WithFields(ctx, fields), text, err)
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

// Close flushes pending publishes and closes the client.
func (b *Bus) Close() error {
	b.stopOnce.Do(func() {
		if b.events != nil {
			b.events.Stop()
		}
		if b.rollup != nil {
			b.rollup.Stop()
		}
	})
	return b.client.Close()
}

func eventMessage(topic string, env outbox.Envelope) (*pubsub.Message, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("topic is required")
	}
	env.Topic = topic
	data, err := outbox.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			AttrTopic:       topic,
			AttrEventID:     env.EventID,
			AttrPayloadType: env.PayloadType,
		},
	}, nil
}

func decodeEventMessage(msg *pubsub.Message) (outbox.Envelope, error) {
	env, err := outbox.Decode(msg.Data)
	if err != nil {
		return outbox.Envelope{}, err
	}
	if topic := msg.Attributes[AttrTopic]; topic != "" && topic != env.Topic {
		return outbox.Envelope{}, fmt.Errorf("topic attribute %q does not match envelope topic %q", topic, env.Topic)
	}
	return env, nil
}

func rollupEventID(msg *pubsub.Message) string {
	if id := strings.TrimSpace(string(msg.Data)); id != "" {
		return id
	}
	return strings.TrimSpace(msg.Attributes[AttrEventID])
}

type gcpPublisher struct {
	*pubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*pubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
