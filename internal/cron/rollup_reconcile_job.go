package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/eventbus/pkg/broker"
	"github.com/angelmondragon/eventbus/pkg/logger"
)

const (
	defaultReconcileAfter = 10 * time.Minute
	defaultReconcileBatch = 200
)

type RollupReconcileJobParams struct {
	Logger    *logger.Logger
	Events    unsettledLister
	Signaler  broker.Signaler
	After     time.Duration
	BatchSize int
}

type unsettledLister interface {
	ListUnsettledSent(ctx context.Context, statusBefore time.Time, limit int) ([]string, error)
}

// NewRollupReconcileJob re-signals rollup for SENT events that have settled
// consumption rows but whose status has not moved for a while, covering
// rollup signals lost after feedback was written.
func NewRollupReconcileJob(params RollupReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Events == nil {
		return nil, fmt.Errorf("event store required")
	}
	if params.Signaler == nil {
		return nil, fmt.Errorf("rollup signaler required")
	}
	after := params.After
	if after <= 0 {
		after = defaultReconcileAfter
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	return &rollupReconcileJob{
		logg:     params.Logger,
		events:   params.Events,
		signaler: params.Signaler,
		after:    after,
		batch:    batch,
		now:      time.Now,
	}, nil
}

type rollupReconcileJob struct {
	logg     *logger.Logger
	events   unsettledLister
	signaler broker.Signaler
	after    time.Duration
	batch    int
	now      func() time.Time
}

func (j *rollupReconcileJob) Name() string { return "rollup-reconcile" }

func (j *rollupReconcileJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.after)
	ids, err := j.events.ListUnsettledSent(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("list unsettled events: %w", err)
	}

	var signaled, failed int
	var firstErr error
	for _, id := range ids {
		if err := j.signaler.SignalRollup(ctx, id); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			j.logg.Error(j.logg.WithEventID(ctx, id), "rollup re-signal failed", err)
			continue
		}
		signaled++
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":   cutoff,
		"found":    len(ids),
		"signaled": signaled,
		"failed":   failed,
	}), "rollup reconcile complete")

	if firstErr != nil {
		return fmt.Errorf("rollup reconcile: %d of %d signals failed: %w", failed, len(ids), firstErr)
	}
	return nil
}
