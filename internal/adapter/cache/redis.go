package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// RedisCache is a ResponseCache shared by every replica. Entries are JSON
// strings with a native TTL; a sorted set scored by creation time drives
// oldest-first eviction.
type RedisCache struct {
	redis      redis.UniversalClient
	prefix     string
	maxEntries int
	now        func() time.Time
}

// NewRedisCache builds a cache on rdb with keys under prefix.
func NewRedisCache(rdb redis.UniversalClient, prefix string, maxEntries int) *RedisCache {
	return &RedisCache{redis: rdb, prefix: prefix, maxEntries: maxEntries, now: time.Now}
}

// KEYS[1]=entry, KEYS[2]=index, ARGV[1]=member
var unindexMissingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
return redis.call('ZREM', KEYS[2], ARGV[1])
`)

// unindexMissing drops key from the eviction index unless a concurrent Set
// has stored it again since the entry lapsed.
func (c *RedisCache) unindexMissing(ctx context.Context, key string) error {
	return unindexMissingScript.Run(ctx, c.redis, []string{c.entryKey(key), c.indexKey()}, key).Err()
}

func (c *RedisCache) entryKey(key string) string { return c.prefix + "cache:" + key }
func (c *RedisCache) indexKey() string           { return c.prefix + "cache:index" }

// Get implements domain.ResponseCache.
func (c *RedisCache) Get(ctx context.Context, key string) (domain.CachedResponse, bool, error) {
	raw, err := c.redis.Get(ctx, c.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		_ = c.unindexMissing(ctx, key)
		return domain.CachedResponse{}, false, nil
	}
	if err != nil {
		return domain.CachedResponse{}, false, fmt.Errorf("op=cache.RedisCache.Get: %w", err)
	}
	var entry domain.CachedResponse
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.CachedResponse{}, false, fmt.Errorf("op=cache.RedisCache.Get: %w", err)
	}
	if entry.Expired(c.now()) {
		return domain.CachedResponse{}, false, nil
	}
	return entry, true, nil
}

// Set implements domain.ResponseCache.
func (c *RedisCache) Set(ctx context.Context, entry domain.CachedResponse) error {
	if entry.Key == "" {
		return fmt.Errorf("op=cache.RedisCache.Set: %w: empty key", domain.ErrInvalidArgument)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=cache.RedisCache.Set: %w", err)
	}
	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		ttl = entry.ExpiresAt.Sub(entry.CreatedAt)
		if ttl <= 0 {
			return nil
		}
	}

	pipe := c.redis.TxPipeline()
	pipe.Set(ctx, c.entryKey(entry.Key), raw, ttl)
	pipe.ZAddNX(ctx, c.indexKey(), redis.Z{Score: float64(entry.CreatedAt.UnixMilli()), Member: entry.Key})
	card := pipe.ZCard(ctx, c.indexKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=cache.RedisCache.Set: %w", err)
	}
	if c.maxEntries <= 0 {
		return nil
	}
	if over := card.Val() - int64(c.maxEntries); over > 0 {
		evicted, err := c.redis.ZPopMin(ctx, c.indexKey(), over).Result()
		if err != nil {
			return fmt.Errorf("op=cache.RedisCache.Set: %w", err)
		}
		keys := make([]string, 0, len(evicted))
		for _, z := range evicted {
			if k, ok := z.Member.(string); ok {
				keys = append(keys, c.entryKey(k))
			}
		}
		if len(keys) > 0 {
			if err := c.redis.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("op=cache.RedisCache.Set: %w", err)
			}
		}
	}
	return nil
}

// Len implements domain.ResponseCache. Entries whose TTL lapsed are counted
// until a Get notices them.
func (c *RedisCache) Len(ctx context.Context) (int, error) {
	n, err := c.redis.ZCard(ctx, c.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("op=cache.RedisCache.Len: %w", err)
	}
	return int(n), nil
}

// Flush implements domain.ResponseCache.
func (c *RedisCache) Flush(ctx context.Context) error {
	members, err := c.redis.ZRange(ctx, c.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("op=cache.RedisCache.Flush: %w", err)
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, c.entryKey(m))
	}
	keys = append(keys, c.indexKey())
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("op=cache.RedisCache.Flush: %w", err)
	}
	return nil
}
