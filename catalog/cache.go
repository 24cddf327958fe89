package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const planKeyPrefix = "catalog:plan:"

// RedisStore is the subset of the go-redis client used by the cache.
type RedisStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisCache is a read-through cache in front of another Catalog. Cache failures
// degrade to the underlying catalog; they never fail a lookup on their own.
type RedisCache struct {
	next  Catalog
	store RedisStore
	ttl   time.Duration
	group singleflight.Group
}

func NewRedisCache(next Catalog, store RedisStore, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{next: next, store: store, ttl: ttl}
}

func (c *RedisCache) Lookup(ctx context.Context, planID string) (Plan, error) {
	if planID == "" {
		return Plan{}, ErrPlanNotFound
	}
	key := planKeyPrefix + planID
	log := zerolog.Ctx(ctx)

	raw, err := c.store.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p Plan
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return p, nil
		}
		log.Warn().Str("plan_id", planID).Msg("discarding undecodable cached plan")
	case !errors.Is(err, redis.Nil):
		log.Warn().Err(err).Str("plan_id", planID).Msg("plan cache read failed")
	}

	v, err, _ := c.group.Do(planID, func() (interface{}, error) {
		p, err := c.next.Lookup(ctx, planID)
		if err != nil {
			return Plan{}, err
		}
		if data, merr := json.Marshal(p); merr == nil {
			if serr := c.store.Set(ctx, key, data, c.ttl).Err(); serr != nil {
				log.Warn().Err(serr).Str("plan_id", planID).Msg("plan cache write failed")
			}
		}
		return p, nil
	})
	if err != nil {
		return Plan{}, err
	}
	return v.(Plan), nil
}

// List is not cached; the public plan page is low volume.
func (c *RedisCache) List(ctx context.Context, network string) ([]Plan, error) {
	return c.next.List(ctx, network)
}
