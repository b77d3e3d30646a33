package ratelimiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

func testPolicy(limit int) Policy {
	p := DefaultPolicy()
	p.Limit = limit
	p.MinInterval = 0
	return p
}

func TestPolicy_Cooldown(t *testing.T) {
	p := DefaultPolicy()
	assert.Zero(t, p.Cooldown(0))
	assert.Zero(t, p.Cooldown(2))
	assert.Equal(t, 8*time.Second, p.Cooldown(3))
	assert.Equal(t, 16*time.Second, p.Cooldown(4))
	assert.Equal(t, 32*time.Second, p.Cooldown(5))
	assert.Equal(t, 5*time.Minute, p.Cooldown(6))
	assert.Equal(t, 5*time.Minute, p.Cooldown(40))

	p.EscalateAfter = 0
	assert.Equal(t, 60*time.Second, p.Cooldown(6))
	assert.Equal(t, 60*time.Second, p.Cooldown(2000))
}

func TestLimiter_AcquireWaitsForOldestCallToLeaveWindow(t *testing.T) {
	clock := NewManualClock(t0)
	l := New(NewMemoryStore(), testPolicy(15), WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, err := l.Acquire(ctx, domain.ProviderOpenAI, time.Minute)
		require.NoError(t, err)
	}
	assert.Empty(t, clock.Waits())

	tk, err := l.Acquire(ctx, domain.ProviderOpenAI, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{60 * time.Second}, clock.Waits())
	assert.Equal(t, t0.Add(time.Minute), tk.Admitted)
	assert.Equal(t, domain.ProviderOpenAI, tk.Provider)
}

func TestLimiter_AcquireGivesUpBeyondMaxWait(t *testing.T) {
	clock := NewManualClock(t0)
	l := New(NewMemoryStore(), testPolicy(1), WithClock(clock))
	ctx := context.Background()

	_, err := l.Acquire(ctx, "mistral", time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "mistral", 30*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Empty(t, clock.Waits())
}

func TestLimiter_AcquireRespectsContextDeadline(t *testing.T) {
	clock := NewManualClock(t0)
	l := New(NewMemoryStore(), testPolicy(1), WithClock(clock))

	_, err := l.Acquire(context.Background(), "mistral", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = l.Acquire(ctx, "mistral", time.Minute)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Empty(t, clock.Waits())
}

// blockingClock never fires, so only cancellation can end a wait.
type blockingClock struct{ now time.Time }

func (c blockingClock) Now() time.Time                       { return c.now }
func (c blockingClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

func TestLimiter_AcquireStopsOnCancel(t *testing.T) {
	l := New(NewMemoryStore(), testPolicy(1), WithClock(blockingClock{now: t0}))
	_, err := l.Acquire(context.Background(), "openrouter", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, "openrouter", time.Minute)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return after cancellation")
	}
}

func TestLimiter_MinIntervalSpacesCalls(t *testing.T) {
	clock := NewManualClock(t0)
	p := testPolicy(100)
	p.MinInterval = 200 * time.Millisecond
	l := New(NewMemoryStore(), DefaultPolicy(), WithClock(clock), WithPolicy("mistral", p))
	ctx := context.Background()

	_, _, ok := l.CheckRateLimit(ctx, "mistral")
	require.True(t, ok)

	_, wait, ok := l.CheckRateLimit(ctx, "mistral")
	assert.False(t, ok)
	assert.Equal(t, 200*time.Millisecond, wait)

	clock.Advance(200 * time.Millisecond)
	_, _, ok = l.CheckRateLimit(ctx, "mistral")
	assert.True(t, ok)

	_, err := l.Acquire(ctx, "mistral", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, clock.Waits())
}

func TestLimiter_BackoffAfterConsecutiveFailures(t *testing.T) {
	clock := NewManualClock(t0)
	l := New(NewMemoryStore(), DefaultPolicy(), WithClock(clock))
	ctx := context.Background()

	l.RecordFailure(ctx, "mistral")
	l.RecordFailure(ctx, "mistral")
	assert.True(t, l.CanRetry(ctx, "mistral"))

	st := l.RecordFailure(ctx, "mistral")
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, t0.Add(8*time.Second), st.ResetTime)
	assert.False(t, l.CanRetry(ctx, "mistral"))

	clock.Advance(7 * time.Second)
	assert.False(t, l.CanRetry(ctx, "mistral"))
	clock.Advance(time.Second)
	assert.True(t, l.CanRetry(ctx, "mistral"))

	// other providers are unaffected
	assert.True(t, l.CanRetry(ctx, "openai"))
}

func TestLimiter_ExpiredCooldownRestoresFailureBudget(t *testing.T) {
	clock := NewManualClock(t0)
	l := New(NewMemoryStore(), DefaultPolicy(), WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.RecordFailure(ctx, "mistral")
	}
	require.False(t, l.CanRetry(ctx, "mistral"))

	clock.Advance(9 * time.Second)
	require.True(t, l.CanRetry(ctx, "mistral"))

	st := l.RecordFailure(ctx, "mistral")
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.True(t, st.ResetTime.IsZero())
	assert.True(t, l.CanRetry(ctx, "mistral"))

	st = l.RecordFailure(ctx, "mistral")
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.True(t, l.CanRetry(ctx, "mistral"))
}

func TestLimiter_FailureAfterExpiryWithoutCanRetryStartsOver(t *testing.T) {
	clock := NewManualClock(t0)
	l := New(NewMemoryStore(), DefaultPolicy(), WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.RecordFailure(ctx, "openai")
	}
	clock.Advance(8 * time.Second)

	st := l.RecordFailure(ctx, "openai")
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, 1, st.Cooldowns)
	assert.True(t, l.CanRetry(ctx, "openai"))
}

func TestLimiter_RepeatedCooldownsEscalate(t *testing.T) {
	clock := NewManualClock(t0)
	l := New(NewMemoryStore(), DefaultPolicy(), WithClock(clock))
	ctx := context.Background()

	// each round exhausts the failure budget right after the previous cooldown
	want := []time.Duration{8 * time.Second, 16 * time.Second, 32 * time.Second, 5 * time.Minute, 5 * time.Minute}
	for round, cd := range want {
		var st domain.BackoffState
		for i := 0; i < 3; i++ {
			require.True(t, l.CanRetry(ctx, "openrouter"), "round %d", round)
			st = l.RecordFailure(ctx, "openrouter")
		}
		assert.Equal(t, 3, st.ConsecutiveFailures, "round %d", round)
		assert.Equal(t, round, st.Cooldowns, "round %d", round)
		assert.Equal(t, clock.Now().Add(cd), st.ResetTime, "round %d", round)
		assert.False(t, l.CanRetry(ctx, "openrouter"))
		clock.Advance(cd)
	}

	require.True(t, l.CanRetry(ctx, "openrouter"))
	assert.Equal(t, len(want), l.Status(ctx, "openrouter").CooldownsServed)

	// a success forgets the served cooldowns
	l.RecordSuccess(ctx, "openrouter")
	for i := 0; i < 3; i++ {
		l.RecordFailure(ctx, "openrouter")
	}
	st := l.Status(ctx, "openrouter")
	assert.Equal(t, clock.Now().Add(8*time.Second), st.ResetTime)
	assert.Zero(t, st.CooldownsServed)
}

func TestLimiter_ExpiredCooldownClearedAcrossRedisReplicas(t *testing.T) {
	store, _ := newMiniRedisStore(t)
	clock := NewManualClock(t0)
	ctx := context.Background()
	a := New(store, DefaultPolicy(), WithClock(clock))
	b := New(store, DefaultPolicy(), WithClock(clock))

	for i := 0; i < 3; i++ {
		a.RecordFailure(ctx, "mistral")
	}
	require.False(t, b.CanRetry(ctx, "mistral"))

	clock.Advance(8 * time.Second)
	require.True(t, b.CanRetry(ctx, "mistral"))

	st := a.RecordFailure(ctx, "mistral")
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, 1, st.Cooldowns)
	assert.True(t, a.CanRetry(ctx, "mistral"))
}

func TestLimiter_SuccessClearsBackoff(t *testing.T) {
	clock := NewManualClock(t0)
	l := New(NewMemoryStore(), DefaultPolicy(), WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.RecordFailure(ctx, "openrouter")
	}
	require.False(t, l.CanRetry(ctx, "openrouter"))

	l.RecordSuccess(ctx, "openrouter")
	assert.True(t, l.CanRetry(ctx, "openrouter"))

	st := l.RecordFailure(ctx, "openrouter")
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.True(t, st.ResetTime.IsZero())
}

func TestLimiter_Status(t *testing.T) {
	clock := NewManualClock(t0)
	l := New(NewMemoryStore(), testPolicy(10), WithClock(clock))
	ctx := context.Background()

	a, err := l.Acquire(ctx, "mistral", 0)
	require.NoError(t, err)
	b, err := l.Acquire(ctx, "mistral", 0)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "mistral", 0)
	require.NoError(t, err)

	l.Complete(ctx, a, true, 100*time.Millisecond)
	l.Complete(ctx, b, false, 300*time.Millisecond)
	for i := 0; i < 3; i++ {
		l.RecordFailure(ctx, "mistral")
	}

	st := l.Status(ctx, "mistral")
	assert.Equal(t, 10, st.Limit)
	assert.Equal(t, time.Minute, st.Window)
	assert.Equal(t, 3, st.CallsInWindow)
	assert.Equal(t, 2, st.Completed)
	assert.Equal(t, 1, st.Successes)
	assert.InDelta(t, 0.5, st.SuccessRate, 1e-9)
	assert.Equal(t, 200*time.Millisecond, st.MeanLatency)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.False(t, st.CanRetry)

	clock.Advance(time.Minute)
	st = l.Status(ctx, "mistral")
	assert.Zero(t, st.CallsInWindow)
	assert.Zero(t, st.SuccessRate)
	assert.True(t, st.CanRetry)
}

// brokenStore fails every operation.
type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Reserve(context.Context, string, time.Time, time.Duration, int) (bool, time.Duration, string, error) {
	return false, 0, "", errStoreDown
}
func (brokenStore) Complete(context.Context, string, string, bool, time.Duration) error {
	return errStoreDown
}
func (brokenStore) Calls(context.Context, string, time.Time, time.Duration) ([]domain.ProviderCallRecord, error) {
	return nil, errStoreDown
}
func (brokenStore) IncrFailures(context.Context, string) (int, error) { return 0, errStoreDown }
func (brokenStore) SetResetTime(context.Context, string, time.Time) error {
	return errStoreDown
}
func (brokenStore) Backoff(context.Context, string) (domain.BackoffState, error) {
	return domain.BackoffState{}, errStoreDown
}
func (brokenStore) ClearExpired(context.Context, string, time.Time) (bool, error) {
	return false, errStoreDown
}
func (brokenStore) ResetBackoff(context.Context, string) error { return errStoreDown }

func TestLimiter_FailsOpenWhenStoreIsDown(t *testing.T) {
	l := New(brokenStore{}, testPolicy(1), WithClock(NewManualClock(t0)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tk, err := l.Acquire(ctx, "openai", 0)
		require.NoError(t, err)
		assert.Empty(t, tk.ID)
		l.Complete(ctx, tk, true, time.Millisecond)
	}
	st := l.RecordFailure(ctx, "openai")
	assert.Zero(t, st.ConsecutiveFailures)
	assert.True(t, l.CanRetry(ctx, "openai"))
	l.RecordSuccess(ctx, "openai")

	status := l.Status(ctx, "openai")
	assert.True(t, status.CanRetry)
	assert.Zero(t, status.CallsInWindow)
}

func TestLimiter_SharedRedisStateAcrossInstances(t *testing.T) {
	store, _ := newMiniRedisStore(t)
	clock := NewManualClock(t0)
	ctx := context.Background()

	a := New(store, testPolicy(2), WithClock(clock))
	b := New(store, testPolicy(2), WithClock(clock))

	_, _, ok := a.CheckRateLimit(ctx, "mistral")
	require.True(t, ok)
	_, _, ok = b.CheckRateLimit(ctx, "mistral")
	require.True(t, ok)
	_, wait, ok := a.CheckRateLimit(ctx, "mistral")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)

	for i := 0; i < 3; i++ {
		a.RecordFailure(ctx, "openai")
	}
	assert.False(t, b.CanRetry(ctx, "openai"))
	b.RecordSuccess(ctx, "openai")
	assert.True(t, a.CanRetry(ctx, "openai"))
}
