package ratelimiter

import (
	"context"
	"time"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// Store holds per-provider call windows and backoff state. MemoryStore keeps it
// in-process; RedisStore shares it between replicas.
type Store interface {
	// Reserve drops calls with now-Timestamp >= window and, when fewer than limit
	// remain, records a new call at now and returns its id. Otherwise it returns
	// how long until the oldest call leaves the window. A limit <= 0 is unlimited.
	Reserve(ctx context.Context, provider string, now time.Time, window time.Duration, limit int) (ok bool, retryAfter time.Duration, id string, err error)
	// Complete fills in the outcome of a reserved call. Unknown ids are ignored.
	Complete(ctx context.Context, provider, id string, success bool, latency time.Duration) error
	// Calls returns the calls still inside the window at now, oldest first.
	Calls(ctx context.Context, provider string, now time.Time, window time.Duration) ([]domain.ProviderCallRecord, error)

	IncrFailures(ctx context.Context, provider string) (int, error)
	SetResetTime(ctx context.Context, provider string, t time.Time) error
	Backoff(ctx context.Context, provider string) (domain.BackoffState, error)
	// ClearExpired atomically drops the failure count and the reset time once
	// now has reached the reset time, and counts one more served cooldown.
	// It reports whether anything was cleared.
	ClearExpired(ctx context.Context, provider string, now time.Time) (bool, error)
	// ResetBackoff forgets all backoff state, served cooldowns included.
	ResetBackoff(ctx context.Context, provider string) error
}
