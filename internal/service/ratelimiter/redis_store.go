package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// RedisStore keeps call windows in sorted sets and backoff state in hashes so
// that every replica sees the same limits.
type RedisStore struct {
	redis      redis.UniversalClient
	prefix     string
	outcomeTTL time.Duration
	reserve    *redis.Script
	clear      *redis.Script
}

// NewRedisStore builds a store on rdb. Keys are namespaced by prefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		redis:      rdb,
		prefix:     prefix,
		outcomeTTL: 10 * time.Minute,
		reserve:    redis.NewScript(luaReserveScript),
		clear:      redis.NewScript(luaClearExpiredScript),
	}
}

// Window entries are scored in unix milliseconds. Entries aged >= window are
// dropped together with their outcome fields before counting.
const luaReserveScript = `
local calls = KEYS[1]
local outcomes = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local id = ARGV[4]

local cutoff = now - window
local expired = redis.call("ZRANGEBYSCORE", calls, "-inf", cutoff)
for _, member in ipairs(expired) do
  redis.call("HDEL", outcomes, member)
end
redis.call("ZREMRANGEBYSCORE", calls, "-inf", cutoff)

local count = redis.call("ZCARD", calls)
if limit > 0 and count >= limit then
  local oldest = redis.call("ZRANGE", calls, 0, 0, "WITHSCORES")
  local retry_after = 0
  if oldest[2] ~= nil then
    retry_after = tonumber(oldest[2]) + window - now
  end
  return { 0, retry_after }
end

redis.call("ZADD", calls, now, id)
redis.call("PEXPIRE", calls, window)
return { 1, 0 }
`

// The cooldown is over once now reaches reset_ms.
const luaClearExpiredScript = `
local reset = redis.call("HGET", KEYS[1], "reset_ms")
if not reset then
  return 0
end
if tonumber(reset) > tonumber(ARGV[1]) then
  return 0
end
redis.call("HDEL", KEYS[1], "failures", "reset_ms")
redis.call("HINCRBY", KEYS[1], "cooldowns", 1)
return 1
`

func (s *RedisStore) callsKey(provider string) string {
	return s.prefix + "ratelimit:" + provider + ":calls"
}

func (s *RedisStore) outcomesKey(provider string) string {
	return s.prefix + "ratelimit:" + provider + ":outcomes"
}

func (s *RedisStore) backoffKey(provider string) string {
	return s.prefix + "backoff:" + provider
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, provider string, now time.Time, window time.Duration, limit int) (bool, time.Duration, string, error) {
	id := uuid.NewString()
	res, err := s.reserve.Run(ctx, s.redis,
		[]string{s.callsKey(provider), s.outcomesKey(provider)},
		now.UnixMilli(), window.Milliseconds(), limit, id,
	).Result()
	if err != nil {
		return false, 0, "", fmt.Errorf("op=ratelimiter.RedisStore.Reserve: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("redis reserve script returned unexpected result", slog.String("provider", provider), slog.Any("result", res))
		return false, 0, "", fmt.Errorf("op=ratelimiter.RedisStore.Reserve: %w: unexpected script result", domain.ErrInternal)
	}
	if toInt64(vals[0]) != 1 {
		return false, time.Duration(toInt64(vals[1])) * time.Millisecond, "", nil
	}
	return true, 0, id, nil
}

// Complete implements Store. Outcomes are encoded as "<0|1>|<latency ns>".
func (s *RedisStore) Complete(ctx context.Context, provider, id string, success bool, latency time.Duration) error {
	if id == "" {
		return nil
	}
	flag := "0"
	if success {
		flag = "1"
	}
	key := s.outcomesKey(provider)
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, id, flag+"|"+strconv.FormatInt(int64(latency), 10))
	pipe.PExpire(ctx, key, s.outcomeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=ratelimiter.RedisStore.Complete: %w", err)
	}
	return nil
}

// Calls implements Store.
func (s *RedisStore) Calls(ctx context.Context, provider string, now time.Time, window time.Duration) ([]domain.ProviderCallRecord, error) {
	cutoff := now.Add(-window).UnixMilli()
	zs, err := s.redis.ZRangeByScoreWithScores(ctx, s.callsKey(provider), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("op=ratelimiter.RedisStore.Calls: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(zs))
	for i, z := range zs {
		ids[i], _ = z.Member.(string)
	}
	outcomes, err := s.redis.HMGet(ctx, s.outcomesKey(provider), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("op=ratelimiter.RedisStore.Calls: %w", err)
	}
	out := make([]domain.ProviderCallRecord, len(zs))
	for i, z := range zs {
		rec := domain.ProviderCallRecord{
			ID:        ids[i],
			Provider:  provider,
			Timestamp: time.UnixMilli(int64(z.Score)),
		}
		if raw, ok := outcomes[i].(string); ok {
			flag, lat, found := strings.Cut(raw, "|")
			if found {
				rec.Completed = true
				rec.Success = flag == "1"
				if n, err := strconv.ParseInt(lat, 10, 64); err == nil {
					rec.Latency = time.Duration(n)
				}
			}
		}
		out[i] = rec
	}
	return out, nil
}

// IncrFailures implements Store.
func (s *RedisStore) IncrFailures(ctx context.Context, provider string) (int, error) {
	n, err := s.redis.HIncrBy(ctx, s.backoffKey(provider), "failures", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("op=ratelimiter.RedisStore.IncrFailures: %w", err)
	}
	return int(n), nil
}

// SetResetTime implements Store.
func (s *RedisStore) SetResetTime(ctx context.Context, provider string, t time.Time) error {
	if err := s.redis.HSet(ctx, s.backoffKey(provider), "reset_ms", t.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("op=ratelimiter.RedisStore.SetResetTime: %w", err)
	}
	return nil
}

// Backoff implements Store.
func (s *RedisStore) Backoff(ctx context.Context, provider string) (domain.BackoffState, error) {
	vals, err := s.redis.HGetAll(ctx, s.backoffKey(provider)).Result()
	if err != nil {
		return domain.BackoffState{Provider: provider}, fmt.Errorf("op=ratelimiter.RedisStore.Backoff: %w", err)
	}
	st := domain.BackoffState{Provider: provider}
	if v, ok := vals["failures"]; ok {
		n, _ := strconv.Atoi(v)
		st.ConsecutiveFailures = n
	}
	if v, ok := vals["cooldowns"]; ok {
		n, _ := strconv.Atoi(v)
		st.Cooldowns = n
	}
	if v, ok := vals["reset_ms"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			st.ResetTime = time.UnixMilli(ms)
		}
	}
	return st, nil
}

// ClearExpired implements Store.
func (s *RedisStore) ClearExpired(ctx context.Context, provider string, now time.Time) (bool, error) {
	n, err := s.clear.Run(ctx, s.redis, []string{s.backoffKey(provider)}, now.UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("op=ratelimiter.RedisStore.ClearExpired: %w", err)
	}
	return n == 1, nil
}

// ResetBackoff implements Store.
func (s *RedisStore) ResetBackoff(ctx context.Context, provider string) error {
	if err := s.redis.Del(ctx, s.backoffKey(provider)).Err(); err != nil {
		return fmt.Errorf("op=ratelimiter.RedisStore.ResetBackoff: %w", err)
	}
	return nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
