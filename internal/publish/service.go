package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/eventbus/internal/consumptions"
	"github.com/angelmondragon/eventbus/internal/events"
	"github.com/angelmondragon/eventbus/internal/topics"
	"github.com/angelmondragon/eventbus/pkg/broker"
	"github.com/angelmondragon/eventbus/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/metrics"
	"github.com/angelmondragon/eventbus/pkg/outbox"
	"gorm.io/gorm"
)

// Metric result labels.
const (
	resultSent        = "sent"
	resultNoConsumers = "no_consumers"
	resultInvalid     = "invalid"
	resultSendFailed  = "send_failed"
	resultStoreError  = "store_error"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Result is the structured outcome handed back to publishers. Non-success
// results carry a message and the code describing why.
type Result struct {
	Success bool           `json:"success"`
	EventID string         `json:"eventId"`
	Message string         `json:"message,omitempty"`
	Code    pkgerrors.Code `json:"code,omitempty"`
}

type ServiceParams struct {
	Tx           txRunner
	Registry     topics.Registry
	Events       events.Store
	Consumptions consumptions.Store
	Broker       broker.Publisher
	Metrics      *metrics.BusMetrics
	Logger       *logger.Logger
	Clock        func() time.Time
}

// Service runs the outbox publish pipeline: record first, then send.
type Service struct {
	tx           txRunner
	registry     topics.Registry
	events       events.Store
	consumptions consumptions.Store
	broker       broker.Publisher
	metrics      *metrics.BusMetrics
	logg         *logger.Logger
	now          func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Tx == nil {
		return nil, errors.New("tx runner required")
	}
	if params.Registry == nil {
		return nil, errors.New("topic registry required")
	}
	if params.Events == nil {
		return nil, errors.New("event store required")
	}
	if params.Consumptions == nil {
		return nil, errors.New("consumption store required")
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
	return &Service{
		tx:           params.Tx,
		registry:     params.Registry,
		events:       params.Events,
		consumptions: params.Consumptions,
		broker:       params.Broker,
		metrics:      params.Metrics,
		logg:         logg,
		now:          clock,
	}, nil
}

// Publish records env with one pending attempt per enabled consumer, then
// hands it to the broker. Only store failures are returned as errors; every
// other outcome is reported through Result.
func (s *Service) Publish(ctx context.Context, env outbox.Envelope) (Result, error) {
	result := Result{EventID: env.EventID}
	ctx = s.logg.WithEventID(ctx, env.EventID)
	ctx = s.logg.WithTopic(ctx, env.Topic)

	if err := env.Validate(); err != nil {
		s.metrics.IncPublish(env.Topic, resultInvalid)
		s.logg.Warn(s.logg.WithField(ctx, "reason", err.Error()), "publish rejected")
		result.Message = err.Error()
		result.Code = pkgerrors.CodeValidation
		return result, nil
	}

	consumerIDs, err := s.registry.EnabledConsumers(ctx, env.Topic)
	if err != nil {
		s.metrics.IncPublish(env.Topic, resultStoreError)
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load topic consumers")
	}
	if len(consumerIDs) == 0 {
		s.metrics.IncPublish(env.Topic, resultNoConsumers)
		s.logg.Warn(ctx, "no enabled consumers for topic")
		result.Message = fmt.Sprintf("no enabled consumers for topic %s", env.Topic)
		result.Code = pkgerrors.CodeConfigurationGap
		return result, nil
	}

	createdAt := s.now()
	record := outbox.NewEventRecord(env, createdAt)
	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.events.WithTx(tx).Put(ctx, &record); err != nil {
			return err
		}
		return s.consumptions.WithTx(tx).CreatePlaceholders(ctx, env.EventID, consumerIDs, createdAt)
	}); err != nil {
		s.metrics.IncPublish(env.Topic, resultStoreError)
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist event record")
	}

	sentAt := s.now()
	sendErr := s.broker.Send(ctx, env.Topic, env.WithSentAt(sentAt))
	// The record must leave PENDING even when the caller's deadline is what
	// failed the send.
	finalCtx := context.WithoutCancel(ctx)
	if sendErr != nil {
		s.metrics.IncPublish(env.Topic, resultSendFailed)
		s.logg.Error(ctx, "broker send failed", sendErr)
		if _, err := s.events.MarkFailed(finalCtx, env.EventID, s.now(), enums.EventStatusPending); err != nil {
			return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark event failed")
		}
		result.Message = sendErr.Error()
		result.Code = pkgerrors.CodeTransport
		return result, nil
	}

	if err := s.events.MarkSent(finalCtx, env.EventID, sentAt); err != nil {
		s.metrics.IncPublish(env.Topic, resultStoreError)
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark event sent")
	}

	s.metrics.IncPublish(env.Topic, resultSent)
	s.logg.Info(s.logg.WithField(ctx, "consumers", len(consumerIDs)), "event published")
	result.Success = true
	return result, nil
}
