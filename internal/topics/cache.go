package topics

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/angelmondragon/eventbus/pkg/db/models"
	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/redis/go-redis/v9"
)

type cacheStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	TopicConsumersKey(topic string) string
}

type bindingWriter interface {
	Registry
	ListBindings(ctx context.Context, topic string) ([]models.TopicConsumer, error)
	UpsertBinding(ctx context.Context, topic, consumerID string, enabled bool) (*models.TopicConsumer, error)
}

// CachedRegistry is a read-through redis cache in front of the binding repository.
// Cache failures fall back to the repository; only repository errors are returned.
type CachedRegistry struct {
	source bindingWriter
	cache  cacheStore
	ttl    time.Duration
	logg   *logger.Logger
}

// NewCachedRegistry wraps source. A nil cache or non-positive ttl disables caching.
func NewCachedRegistry(source bindingWriter, cache cacheStore, ttl time.Duration, logg *logger.Logger) *CachedRegistry {
	if logg == nil {
		logg = logger.Nop()
	}
	return &CachedRegistry{source: source, cache: cache, ttl: ttl, logg: logg}
}

func (c *CachedRegistry) enabled() bool {
	return c.cache != nil && c.ttl > 0
}

func (c *CachedRegistry) EnabledConsumers(ctx context.Context, topic string) ([]string, error) {
	if !c.enabled() {
		return c.source.EnabledConsumers(ctx, topic)
	}

	key := c.cache.TopicConsumersKey(topic)
	raw, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var ids []string
		if jsonErr := json.Unmarshal([]byte(raw), &ids); jsonErr == nil {
			return ids, nil
		}
		c.logg.Warn(c.logg.WithTopic(ctx, topic), "discarding undecodable topic consumer cache entry")
	case !errors.Is(err, redis.Nil):
		c.logg.Error(c.logg.WithTopic(ctx, topic), "topic consumer cache read failed", err)
	}

	ids, err := c.source.EnabledConsumers(ctx, topic)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	if payload, jsonErr := json.Marshal(ids); jsonErr == nil {
		if setErr := c.cache.Set(ctx, key, string(payload), c.ttl); setErr != nil {
			c.logg.Error(c.logg.WithTopic(ctx, topic), "topic consumer cache write failed", setErr)
		}
	}
	return ids, nil
}

func (c *CachedRegistry) ListBindings(ctx context.Context, topic string) ([]models.TopicConsumer, error) {
	return c.source.ListBindings(ctx, topic)
}

// UpsertBinding writes through and drops the cached fan-out list for topic.
func (c *CachedRegistry) UpsertBinding(ctx context.Context, topic, consumerID string, enabled bool) (*models.TopicConsumer, error) {
	row, err := c.source.UpsertBinding(ctx, topic, consumerID, enabled)
	if err != nil {
		return nil, err
	}
	if c.enabled() {
		if delErr := c.cache.Del(ctx, c.cache.TopicConsumersKey(row.Topic)); delErr != nil {
			c.logg.Error(c.logg.WithTopic(ctx, row.Topic), "topic consumer cache invalidation failed", delErr)
		}
	}
	return row, nil
}
