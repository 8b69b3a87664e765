package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/angelmondragon/eventbus/pkg/config"
	"github.com/angelmondragon/eventbus/pkg/kafka"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/outbox"
	"github.com/angelmondragon/eventbus/pkg/pubsub"
)

// EventHandler processes one delivered envelope. A nil return acknowledges the
// delivery; an error asks the broker to redeliver it.
type EventHandler = func(ctx context.Context, env outbox.Envelope) error

// RollupHandler processes one rollup trigger signal carrying an event id.
type RollupHandler = func(ctx context.Context, eventID string) error

// Publisher is the send side used by the publish pipeline, the retry
// coordinator and the outbox relay.
type Publisher interface {
	Send(ctx context.Context, topic string, env outbox.Envelope) error
}

// Signaler emits rollup trigger signals.
type Signaler interface {
	SignalRollup(ctx context.Context, eventID string) error
}

// Broker is the full transport surface selected by configuration.
type Broker interface {
	Publisher
	Signaler
	ReceiveEvents(ctx context.Context, fn EventHandler) error
	ReceiveRollups(ctx context.Context, fn RollupHandler) error
	Ping(ctx context.Context) error
	Close() error
}

// ErrClosed is returned by drivers after Close.
var ErrClosed = errors.New("broker closed")

// New builds the driver named by cfg.Broker.Driver.
func New(ctx context.Context, cfg *config.Config, logg *logger.Logger) (Broker, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Broker.Driver)) {
	case config.BrokerDriverPubSub:
		client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			return nil, err
		}
		return pubsub.NewBus(client, logg), nil
	case config.BrokerDriverKafka:
		return kafka.NewBus(cfg.Kafka, logg)
	case config.BrokerDriverMemory:
		return NewMemory(DefaultMemoryBuffer), nil
	default:
		return nil, fmt.Errorf("unsupported broker driver %q", cfg.Broker.Driver)
	}
}
