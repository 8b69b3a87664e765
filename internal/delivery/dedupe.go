package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/angelmondragon/eventbus/pkg/redis"
)

const (
	defaultDedupeTTL = 24 * time.Hour
	dedupeScope      = "delivered"
)

// Deduper remembers which events a consumer already handled so broker
// redeliveries of a settled envelope are acked without running the handler.
// Keys look like `<prefix>:idempotency:delivered:<consumer>:<event_id>`.
type Deduper struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

func NewDeduper(store redis.IdempotencyStore, ttl time.Duration) (*Deduper, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if ttl == 0 {
		ttl = defaultDedupeTTL
	}
	return &Deduper{store: store, ttl: ttl}, nil
}

// Claim returns true when the event was already claimed by consumerID and
// otherwise claims it for the configured TTL.
func (d *Deduper) Claim(ctx context.Context, consumerID, eventID string) (bool, error) {
	key, err := d.key(consumerID, eventID)
	if err != nil {
		return false, err
	}
	set, err := d.store.SetNX(ctx, key, "1", d.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Forget drops a claim so the next delivery runs the handler again.
func (d *Deduper) Forget(ctx context.Context, consumerID, eventID string) error {
	key, err := d.key(consumerID, eventID)
	if err != nil {
		return err
	}
	return d.store.Del(ctx, key)
}

func (d *Deduper) key(consumerID, eventID string) (string, error) {
	if strings.TrimSpace(consumerID) == "" {
		return "", errors.New("consumer id is required")
	}
	if strings.TrimSpace(eventID) == "" {
		return "", errors.New("event id is required")
	}
	return d.store.IdempotencyKey(dedupeScope+":"+consumerID, eventID), nil
}
