package rollup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/eventbus/pkg/redis"
	"github.com/google/uuid"
)

const (
	defaultLockTTL  = 30 * time.Second
	defaultLockWait = 200 * time.Millisecond
	lockScope       = "rollup"
)

// ErrLockContended means another process is rolling up the same event.
var ErrLockContended = errors.New("rollup lock held by another worker")

// EventLocker serializes rollups of one event across processes with an
// owner-tagged redis key. A nil *EventLocker never locks.
type EventLocker struct {
	store redis.LockStore
	ttl   time.Duration
	wait  time.Duration
	sleep func(context.Context, time.Duration) error
}

func NewEventLocker(store redis.LockStore, ttl, wait time.Duration) *EventLocker {
	if store == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if wait <= 0 {
		wait = defaultLockWait
	}
	return &EventLocker{store: store, ttl: ttl, wait: wait, sleep: sleepCtx}
}

// Acquire takes the event's lock, waiting once for a holder to finish. The
// returned release func is always safe to call.
func (l *EventLocker) Acquire(ctx context.Context, eventID string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if l == nil {
		return noop, nil
	}
	key := l.store.LockKey(lockScope, eventID)
	owner := uuid.NewString()

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if err := l.sleep(ctx, l.wait); err != nil {
				return noop, err
			}
		}
		ok, err := l.store.SetNX(ctx, key, owner, l.ttl)
		if err != nil {
			return noop, fmt.Errorf("acquire rollup lock: %w", err)
		}
		if ok {
			return func(ctx context.Context) error {
				if _, err := l.store.ReleaseIfOwner(ctx, key, owner); err != nil {
					return fmt.Errorf("release rollup lock: %w", err)
				}
				return nil
			}, nil
		}
	}
	return noop, ErrLockContended
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
