package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/eventbus/internal/events"
	"github.com/angelmondragon/eventbus/pkg/broker"
	"github.com/angelmondragon/eventbus/pkg/config"
	"github.com/angelmondragon/eventbus/pkg/db/models"
	"github.com/angelmondragon/eventbus/pkg/enums"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/metrics"
	"github.com/angelmondragon/eventbus/pkg/outbox"
)

const (
	defaultBatchSize    = 50
	defaultPollMs       = 500
	defaultPendingGrace = 5 * time.Minute
	defaultSendTimeout  = 15 * time.Second
	maxBackoff          = 10 * time.Second
	jitterWindow        = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type pinger interface {
	Ping(context.Context) error
}

// relayDB claims a batch inside one transaction so the row locks taken by
// ListStalePending hold until every record in it is marked.
type relayDB interface {
	pinger
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventStore interface {
	WithTx(tx *gorm.DB) events.Store
}

type ServiceParams struct {
	Config  *config.Config
	Logger  *logger.Logger
	DB      relayDB
	Broker  broker.Publisher
	Events  eventStore
	Metrics *metrics.BusMetrics
	Clock   func() time.Time
}

// Service re-sends PENDING events whose publish never reached the broker,
// e.g. because the publishing process died between commit and send.
type Service struct {
	logg         *logger.Logger
	db           relayDB
	broker       broker.Publisher
	events       eventStore
	metrics      *metrics.BusMetrics
	now          func() time.Time
	batchSize    int
	grace        time.Duration
	pollInterval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if params.Events == nil {
		return nil, errors.New("event store is required")
	}

	batch := params.Config.Relay.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := params.Config.Relay.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	grace := params.Config.Relay.PendingGrace
	if grace <= 0 {
		grace = defaultPendingGrace
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		logg:         params.Logger,
		db:           params.DB,
		broker:       params.Broker,
		events:       params.Events,
		metrics:      params.Metrics,
		now:          clock,
		batchSize:    batch,
		grace:        grace,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if p, ok := s.broker.(pinger); ok {
		if err := pingDependency(ctx, s.logg, "broker", p.Ping); err != nil {
			return err
		}
	}
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	interval := s.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "outbox relay context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.processBatch(ctx)
		if err != nil {
			s.logg.Error(ctx, "outbox relay batch error", err)
			backoff = nextBackoff(backoff, interval, maxBackoff)
			if err := sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval

		// A full batch means more rows are probably waiting.
		if processed >= s.batchSize {
			continue
		}

		if err := sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

// processBatch returns how many stale records it claimed. The claim, the
// sends and the marks share one transaction, so a second relay replica skips
// the locked rows instead of re-sending them. Send failures are recorded per
// event; a store failure rolls the batch back and its events are relayed
// again later.
func (s *Service) processBatch(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.grace)
	claimed := 0
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		store := s.events.WithTx(tx)
		records, err := store.ListStalePending(ctx, cutoff, s.batchSize)
		if err != nil {
			return fmt.Errorf("list stale pending: %w", err)
		}
		claimed = len(records)
		for _, record := range records {
			if err := s.relay(ctx, store, record); err != nil {
				return err
			}
		}
		return nil
	})
	return claimed, err
}

func (s *Service) relay(ctx context.Context, store events.Store, record models.Event) error {
	ctx = s.logg.WithEventID(ctx, record.EventID)
	ctx = s.logg.WithTopic(ctx, record.Topic)
	now := s.now()

	if record.Expired(now) {
		s.logg.Debug(ctx, "stale event already expired, leaving it to the expiry sweep")
		return nil
	}

	env := outbox.EnvelopeFromRecord(record).WithSentAt(now)
	sendCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	sendErr := s.broker.Send(sendCtx, record.Topic, env)
	cancel()

	if sendErr != nil {
		s.metrics.IncPublish(record.Topic, "relay_failed")
		s.logg.Warn(s.logg.WithField(ctx, "error", sendErr.Error()), "outbox relay send failed")
		if _, err := store.MarkFailed(ctx, record.EventID, now, enums.EventStatusPending); err != nil {
			return fmt.Errorf("mark failed %s: %w", record.EventID, err)
		}
		return nil
	}

	if err := store.MarkSent(ctx, record.EventID, now); err != nil {
		return fmt.Errorf("mark sent %s: %w", record.EventID, err)
	}
	s.metrics.IncPublish(record.Topic, "relayed")
	s.logg.Info(s.logg.WithField(ctx, "created_at", record.CreatedAt), "outbox event relayed")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
