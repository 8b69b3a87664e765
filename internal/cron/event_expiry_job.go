package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/eventbus/pkg/logger"
)

const defaultExpiryBatch = 200

type EventExpiryJobParams struct {
	Logger    *logger.Logger
	Events    eventExpirer
	BatchSize int
}

type eventExpirer interface {
	ExpireOverdue(ctx context.Context, now time.Time, limit int) (int64, error)
}

// NewEventExpiryJob marks events past their expireAt as EXPIRED. Settled
// events (CONSUMED, PARTIAL) keep their status.
func NewEventExpiryJob(params EventExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Events == nil {
		return nil, fmt.Errorf("event store required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultExpiryBatch
	}
	return &eventExpiryJob{
		logg:  params.Logger,
		store: params.Events,
		batch: batch,
		now:   time.Now,
	}, nil
}

type eventExpiryJob struct {
	logg  *logger.Logger
	store eventExpirer
	batch int
	now   func() time.Time
}

func (j *eventExpiryJob) Name() string { return "event-expiry" }

func (j *eventExpiryJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	var total int64
	for {
		expired, err := j.store.ExpireOverdue(ctx, now, j.batch)
		if err != nil {
			return fmt.Errorf("expire overdue events: %w", err)
		}
		total += expired
		if expired < int64(j.batch) {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":         now,
		"events_expired": total,
	}), "event expiry sweep complete")
	return nil
}
