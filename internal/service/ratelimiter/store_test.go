package ratelimiter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "test:"), mr
}

// storeFactories runs every contract test against both backends.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"redis": func() Store {
			s, _ := newMiniRedisStore(t)
			return s
		},
	}
}

// Redis scores are milliseconds, so the base time is kept on a millisecond boundary.
var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func TestStore_ReserveSlidingWindow(t *testing.T) {
	for name, mk := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk()

			for i := 0; i < 3; i++ {
				ok, wait, id, err := s.Reserve(ctx, "mistral", t0.Add(time.Duration(i)*time.Second), time.Minute, 3)
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Zero(t, wait)
				assert.NotEmpty(t, id)
			}

			ok, wait, id, err := s.Reserve(ctx, "mistral", t0.Add(10*time.Second), time.Minute, 3)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Empty(t, id)
			assert.Equal(t, 50*time.Second, wait)

			// another provider has its own window
			ok, _, _, err = s.Reserve(ctx, "openai", t0.Add(10*time.Second), time.Minute, 3)
			require.NoError(t, err)
			assert.True(t, ok)

			// an entry aged exactly one window is gone
			ok, _, _, err = s.Reserve(ctx, "mistral", t0.Add(time.Minute), time.Minute, 3)
			require.NoError(t, err)
			assert.True(t, ok)

			calls, err := s.Calls(ctx, "mistral", t0.Add(time.Minute), time.Minute)
			require.NoError(t, err)
			require.Len(t, calls, 3)
			assert.Equal(t, t0.Add(time.Second).UnixMilli(), calls[0].Timestamp.UnixMilli())
			assert.Equal(t, t0.Add(time.Minute).UnixMilli(), calls[2].Timestamp.UnixMilli())
		})
	}
}

func TestStore_UnlimitedWhenLimitIsZero(t *testing.T) {
	for name, mk := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := mk()
			for i := 0; i < 50; i++ {
				ok, _, _, err := s.Reserve(context.Background(), "openrouter", t0, time.Minute, 0)
				require.NoError(t, err)
				require.True(t, ok)
			}
		})
	}
}

func TestStore_CompleteAndCalls(t *testing.T) {
	for name, mk := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk()

			_, _, a, err := s.Reserve(ctx, "openai", t0, time.Minute, 10)
			require.NoError(t, err)
			_, _, b, err := s.Reserve(ctx, "openai", t0.Add(time.Second), time.Minute, 10)
			require.NoError(t, err)
			_, _, _, err = s.Reserve(ctx, "openai", t0.Add(2*time.Second), time.Minute, 10)
			require.NoError(t, err)

			require.NoError(t, s.Complete(ctx, "openai", a, true, 300*time.Millisecond))
			require.NoError(t, s.Complete(ctx, "openai", b, false, 900*time.Millisecond))
			require.NoError(t, s.Complete(ctx, "openai", "unknown-id", true, time.Second))

			calls, err := s.Calls(ctx, "openai", t0.Add(3*time.Second), time.Minute)
			require.NoError(t, err)
			require.Len(t, calls, 3)

			assert.Equal(t, a, calls[0].ID)
			assert.True(t, calls[0].Completed)
			assert.True(t, calls[0].Success)
			assert.Equal(t, 300*time.Millisecond, calls[0].Latency)

			assert.Equal(t, b, calls[1].ID)
			assert.True(t, calls[1].Completed)
			assert.False(t, calls[1].Success)

			assert.False(t, calls[2].Completed)
		})
	}
}

func TestStore_Backoff(t *testing.T) {
	for name, mk := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk()

			st, err := s.Backoff(ctx, "mistral")
			require.NoError(t, err)
			assert.Zero(t, st.ConsecutiveFailures)
			assert.True(t, st.ResetTime.IsZero())

			for i := 1; i <= 3; i++ {
				n, err := s.IncrFailures(ctx, "mistral")
				require.NoError(t, err)
				assert.Equal(t, i, n)
			}
			require.NoError(t, s.SetResetTime(ctx, "mistral", t0.Add(8*time.Second)))

			st, err = s.Backoff(ctx, "mistral")
			require.NoError(t, err)
			assert.Equal(t, "mistral", st.Provider)
			assert.Equal(t, 3, st.ConsecutiveFailures)
			assert.Equal(t, t0.Add(8*time.Second).UnixMilli(), st.ResetTime.UnixMilli())

			require.NoError(t, s.ResetBackoff(ctx, "mistral"))
			st, err = s.Backoff(ctx, "mistral")
			require.NoError(t, err)
			assert.Zero(t, st.ConsecutiveFailures)
			assert.True(t, st.ResetTime.IsZero())
		})
	}
}

func TestStore_ClearExpired(t *testing.T) {
	for name, mk := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk()

			cleared, err := s.ClearExpired(ctx, "openai", t0)
			require.NoError(t, err)
			assert.False(t, cleared, "nothing to clear without a cooldown")

			for i := 0; i < 3; i++ {
				_, err := s.IncrFailures(ctx, "openai")
				require.NoError(t, err)
			}
			require.NoError(t, s.SetResetTime(ctx, "openai", t0.Add(8*time.Second)))

			cleared, err = s.ClearExpired(ctx, "openai", t0.Add(7*time.Second))
			require.NoError(t, err)
			assert.False(t, cleared)

			cleared, err = s.ClearExpired(ctx, "openai", t0.Add(8*time.Second))
			require.NoError(t, err)
			assert.True(t, cleared)

			st, err := s.Backoff(ctx, "openai")
			require.NoError(t, err)
			assert.Zero(t, st.ConsecutiveFailures)
			assert.True(t, st.ResetTime.IsZero())
			assert.Equal(t, 1, st.Cooldowns)

			cleared, err = s.ClearExpired(ctx, "openai", t0.Add(time.Hour))
			require.NoError(t, err)
			assert.False(t, cleared, "a served cooldown is counted once")

			require.NoError(t, s.ResetBackoff(ctx, "openai"))
			st, err = s.Backoff(ctx, "openai")
			require.NoError(t, err)
			assert.Zero(t, st.Cooldowns)
		})
	}
}

func TestRedisStore_KeysArePrefixed(t *testing.T) {
	s, mr := newMiniRedisStore(t)
	ctx := context.Background()

	_, _, _, err := s.Reserve(ctx, "openai", t0, time.Minute, 5)
	require.NoError(t, err)
	_, err = s.IncrFailures(ctx, "openai")
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:ratelimit:openai:calls"))
	assert.True(t, mr.Exists("test:backoff:openai"))
}

func TestRedisStore_ErrorsAreWrapped(t *testing.T) {
	s, mr := newMiniRedisStore(t)
	mr.Close()

	_, _, _, err := s.Reserve(context.Background(), "openai", t0, time.Minute, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=ratelimiter.RedisStore.Reserve")

	_, err = s.Backoff(context.Background(), "openai")
	require.Error(t, err)
}
