package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/eventbus/pkg/logger"
)

type fakeExpirer struct {
	batches []int64
	calls   int
	cutoffs []time.Time
	err     error
}

func (f *fakeExpirer) ExpireOverdue(_ context.Context, now time.Time, _ int) (int64, error) {
	f.cutoffs = append(f.cutoffs, now)
	if f.err != nil {
		return 0, f.err
	}
	if f.calls >= len(f.batches) {
		f.calls++
		return 0, nil
	}
	n := f.batches[f.calls]
	f.calls++
	return n, nil
}

func newExpiryJob(t *testing.T, store *fakeExpirer, batch int) *eventExpiryJob {
	t.Helper()
	jobIface, err := NewEventExpiryJob(EventExpiryJobParams{
		Logger:    logger.New(logger.Options{ServiceName: "test"}),
		Events:    store,
		BatchSize: batch,
	})
	if err != nil {
		t.Fatalf("NewEventExpiryJob: %v", err)
	}
	job, ok := jobIface.(*eventExpiryJob)
	if !ok {
		t.Fatalf("expected eventExpiryJob, got %T", jobIface)
	}
	return job
}

func TestEventExpiryJobDrainsFullBatches(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	store := &fakeExpirer{batches: []int64{2, 2, 1}}
	job := newExpiryJob(t, store, 2)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("expected 3 batches, got %d", store.calls)
	}
	for _, cutoff := range store.cutoffs {
		if !cutoff.Equal(now) {
			t.Fatalf("expected cutoff %s, got %s", now, cutoff)
		}
	}
}

func TestEventExpiryJobPropagatesError(t *testing.T) {
	job := newExpiryJob(t, &fakeExpirer{err: errors.New("boom")}, 10)
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
