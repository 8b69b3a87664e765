package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/angelmondragon/eventbus/pkg/config"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/outbox"
	"go.uber.org/multierr"
)

// HeaderTopic carries the bus topic of an envelope on the shared events topic.
const HeaderTopic = "topic"

const (
	initialHandlerBackoff = 200 * time.Millisecond
	maxHandlerBackoff     = 10 * time.Second
	consumeRetryBackoff   = time.Second
)

type syncProducer interface {
	SendMessage(*sarama.ProducerMessage) (int32, int64, error)
	Close() error
}

type groupFactory func(group string) (sarama.ConsumerGroup, error)

// Bus carries envelopes and rollup signals over Kafka. Both use the event id
// as key, so one partition owns a given event.
type Bus struct {
	cfg      config.KafkaConfig
	logg     *logger.Logger
	client   sarama.Client
	producer syncProducer
	newGroup groupFactory
}

// NewBus connects a sync producer and prepares consumer group construction.
func NewBus(cfg config.KafkaConfig, logg *logger.Logger) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	saramaCfg, err := saramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	b := &Bus{
		cfg:      cfg,
		logg:     logg,
		client:   client,
		producer: producer,
	}
	b.newGroup = func(group string) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(cfg.Brokers, group, saramaCfg)
	}
	if logg != nil {
		logg.Info(logg.WithFields(context.Background(), map[string]any{
			"brokers":      strings.Join(cfg.Brokers, ","),
			"events_topic": cfg.EventsTopic,
			"rollup_topic": cfg.RollupTopic,
		}), "kafka client initialized")
	}
	return b, nil
}

func saramaConfig(cfg config.KafkaConfig) (*sarama.Config, error) {
	c := sarama.NewConfig()
	if v := strings.TrimSpace(cfg.Version); v != "" {
		version, err := sarama.ParseKafkaVersion(v)
		if err != nil {
			return nil, fmt.Errorf("parse kafka version %q: %w", v, err)
		}
		c.Version = version
	}
	if cfg.ClientID != "" {
		c.ClientID = cfg.ClientID
	}
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Idempotent = true
	c.Net.MaxOpenRequests = 1
	c.Producer.Retry.Max = 5
	c.Producer.Return.Successes = true
	c.Producer.Return.Errors = true
	c.Producer.Partitioner = sarama.NewHashPartitioner
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	c.Consumer.Offsets.AutoCommit.Enable = true
	c.Consumer.Return.Errors = true
	return c, nil
}

func (b *Bus) Send(ctx context.Context, topic string, env outbox.Envelope) error {
	if strings.TrimSpace(topic) == "" {
		return errors.New("topic is required")
	}
	env.Topic = topic
	data, err := outbox.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic:   b.cfg.EventsTopic,
		Key:     sarama.StringEncoder(env.EventID),
		Value:   sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{{Key: []byte(HeaderTopic), Value: []byte(topic)}},
	}
	return b.send(ctx, msg)
}

func (b *Bus) SignalRollup(ctx context.Context, eventID string) error {
	if strings.TrimSpace(eventID) == "" {
		return errors.New("event id is required")
	}
	return b.send(ctx, &sarama.ProducerMessage{
		Topic: b.cfg.RollupTopic,
		Key:   sarama.StringEncoder(eventID),
		Value: sarama.StringEncoder(eventID),
	})
}

func (b *Bus) send(ctx context.Context, msg *sarama.ProducerMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka send to %s: %w", msg.Topic, err)
	}
	return nil
}

// ReceiveEvents joins the consumer group and delivers envelopes until ctx is canceled.
func (b *Bus) ReceiveEvents(ctx context.Context, fn func(context.Context, outbox.Envelope) error) error {
	if b.cfg.ConsumerGroup == "" {
		return errors.New("kafka consumer group not configured")
	}
	return b.consume(ctx, b.cfg.ConsumerGroup, b.cfg.EventsTopic, func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		env, err := decodeEventMessage(msg)
		if err != nil {
			b.logError(ctx, msg, "failed to decode envelope", err)
			return nil
		}
		return fn(ctx, env)
	})
}

// ReceiveRollups joins the rollup group and delivers event ids until ctx is canceled.
func (b *Bus) ReceiveRollups(ctx context.Context, fn func(context.Context, string) error) error {
	if b.cfg.RollupGroup == "" {
		return errors.New("kafka rollup group not configured")
	}
	return b.consume(ctx, b.cfg.RollupGroup, b.cfg.RollupTopic, func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		eventID := strings.TrimSpace(string(msg.Value))
		if eventID == "" {
			eventID = strings.TrimSpace(string(msg.Key))
		}
		if eventID == "" {
			b.logError(ctx, msg, "rollup signal without event id", errors.New("empty event id"))
			return nil
		}
		return fn(ctx, eventID)
	})
}

func (b *Bus) consume(ctx context.Context, group, topic string, fn func(context.Context, *sarama.ConsumerMessage) error) error {
	cg, err := b.newGroup(group)
	if err != nil {
		return fmt.Errorf("creating consumer group %s: %w", group, err)
	}
	defer cg.Close()

	go func() {
		for err := range cg.Errors() {
			if err != nil && b.logg != nil {
				b.logg.Error(b.logg.WithField(ctx, "group", group), "kafka consumer group error", err)
			}
		}
	}()

	handler := &groupHandler{bus: b, handle: fn}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cg.Consume(ctx, []string{topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			if b.logg != nil {
				b.logg.Error(b.logg.WithField(ctx, "group", group), "kafka consume error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(consumeRetryBackoff):
			}
		}
	}
}

func (b *Bus) logError(ctx context.Context, msg *sarama.ConsumerMessage, text string, err error) {
	if b.logg == nil {
		return
	}
	b.logg.Error(b.logg.WithFields(ctx, map[string]any{
		"kafka_topic": msg.Topic,
		"partition":   msg.Partition,
		"offset":      msg.Offset,
	}), text, err)
}

// Ping refreshes metadata for the configured topics.
func (b *Bus) Ping(ctx context.Context) error {
	if b.client == nil {
		return errors.New("kafka client not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.client.RefreshMetadata(b.cfg.EventsTopic, b.cfg.RollupTopic)
}

func (b *Bus) Close() error {
	var err error
	if b.producer != nil {
		err = multierr.Append(err, b.producer.Close())
	}
	if b.client != nil && !b.client.Closed() {
		err = multierr.Append(err, b.client.Close())
	}
	return err
}

// groupHandler marks a message only after the handler succeeds. Failures are
// retried in place with backoff so the partition keeps its per-key order.
type groupHandler struct {
	bus    *Bus
	handle func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.process(ctx, msg); err != nil {
				return err
			}
			session.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *groupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	backoff := initialHandlerBackoff
	for {
		err := h.handle(ctx, msg)
		if err == nil {
			return nil
		}
		h.bus.logError(ctx, msg, "kafka handler failed, retrying", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxHandlerBackoff {
			backoff = maxHandlerBackoff
		}
	}
}

func decodeEventMessage(msg *sarama.ConsumerMessage) (outbox.Envelope, error) {
	env, err := outbox.Decode(msg.Value)
	if err != nil {
		return outbox.Envelope{}, err
	}
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == HeaderTopic && string(h.Value) != env.Topic {
			return outbox.Envelope{}, fmt.Errorf("topic header %q does not match envelope topic %q", h.Value, env.Topic)
		}
	}
	return env, nil
}
