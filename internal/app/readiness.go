package app

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/TedBerlin/baguette-metro-sub000/internal/adapter/httpserver"
)

// Pinger is anything that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// redisAdapter narrows a go-redis client to RedisClient.
type redisAdapter struct{ rdb redis.UniversalClient }

func (a redisAdapter) Ping(ctx context.Context) RedisPingResult { return a.rdb.Ping(ctx) }

// RedisReadiness adapts a go-redis client for BuildReadinessChecks.
func RedisReadiness(rdb redis.UniversalClient) RedisClient { return redisAdapter{rdb: rdb} }

// BuildReadinessChecks returns one check for redis when rdb is set and one
// per named pinger.
func BuildReadinessChecks(rdb RedisClient, pingers map[string]Pinger) []httpserver.ReadinessCheck {
	var checks []httpserver.ReadinessCheck
	if rdb != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	for _, name := range slices.Sorted(maps.Keys(pingers)) {
		p := pingers[name]
		checks = append(checks, httpserver.ReadinessCheck{Name: name, Check: func(ctx context.Context) error {
			if p == nil {
				return fmt.Errorf("%s not configured", name)
			}
			return p.Ping(ctx)
		}})
	}
	return checks
}
