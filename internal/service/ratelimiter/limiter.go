// Package ratelimiter bounds the outbound request rate per AI provider and
// slows a provider down after consecutive failures.
//
// State lives behind the Store interface: MemoryStore for a single process,
// RedisStore when several replicas must share one budget. Waiting is always
// done with a select on the injected Clock and the caller's context, never by
// blocking the goroutine unconditionally.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/observability"
	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// Policy configures admission and backoff for one provider.
type Policy struct {
	// Limit is the number of calls admitted per Window. Zero disables the ceiling.
	Limit  int
	Window time.Duration
	// MinInterval spaces consecutive calls from this process.
	MinInterval time.Duration

	MaxConsecutiveFailures int
	Multiplier             float64
	MaxBackoff             time.Duration
	// From level EscalateAfter on, the cooldown becomes EscalatedCooldown. The
	// level is the failure count plus the cooldowns served since the last success.
	EscalateAfter     int
	EscalatedCooldown time.Duration
}

// DefaultPolicy mirrors the limits the providers are known to tolerate.
func DefaultPolicy() Policy {
	return Policy{
		Limit:                  10,
		Window:                 time.Minute,
		MinInterval:            200 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		Multiplier:             2,
		MaxBackoff:             60 * time.Second,
		EscalateAfter:          6,
		EscalatedCooldown:      5 * time.Minute,
	}
}

// Cooldown returns how long a provider is held back at backoff level failures.
func (p Policy) Cooldown(failures int) time.Duration {
	if failures < p.MaxConsecutiveFailures {
		return 0
	}
	if p.EscalateAfter > 0 && failures >= p.EscalateAfter {
		return p.EscalatedCooldown
	}
	d := durationSeconds(math.Pow(p.Multiplier, float64(failures)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Ticket identifies an admitted call so its outcome can be recorded.
type Ticket struct {
	Provider string
	ID       string
	Admitted time.Time
}

// ProviderStatus is a point-in-time view of one provider's limiter state.
type ProviderStatus struct {
	Provider            string        `json:"provider"`
	Limit               int           `json:"limit"`
	Window              time.Duration `json:"window_ns"`
	CallsInWindow       int           `json:"calls_in_window"`
	Completed           int           `json:"completed"`
	Successes           int           `json:"successes"`
	SuccessRate         float64       `json:"success_rate"`
	MeanLatency         time.Duration `json:"mean_latency_ns"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ResetTime           time.Time     `json:"reset_time,omitempty"`
	CooldownsServed     int           `json:"cooldowns_served"`
	CanRetry            bool          `json:"can_retry"`
}

// Limiter combines the sliding-window admission check and the backoff tracker.
// It never returns store errors to callers: a failing store admits the call.
type Limiter struct {
	store    Store
	clock    Clock
	def      Policy
	mu       sync.Mutex
	policies map[string]Policy
	spacers  map[string]*rate.Limiter
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(l *Limiter) { l.clock = c } }

// WithPolicy sets the policy for one provider.
func WithPolicy(provider string, p Policy) Option {
	return func(l *Limiter) { l.policies[provider] = p }
}

// New creates a Limiter over store using def for providers without their own policy.
func New(store Store, def Policy, opts ...Option) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Limiter{
		store:    store,
		clock:    RealClock{},
		def:      def,
		policies: make(map[string]Policy),
		spacers:  make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Policy returns the effective policy for provider.
func (l *Limiter) Policy(provider string) Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.policies[provider]; ok {
		return p
	}
	return l.def
}

func (l *Limiter) spacer(provider string, every time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.spacers[provider]
	if !ok {
		s = rate.NewLimiter(rate.Every(every), 1)
		l.spacers[provider] = s
	}
	return s
}

// CheckRateLimit admits one call if the provider is under its ceiling. When it is
// not, it returns the wait after which a retry can succeed.
func (l *Limiter) CheckRateLimit(ctx context.Context, provider string) (Ticket, time.Duration, bool) {
	p := l.Policy(provider)
	now := l.clock.Now()

	var spacing *rate.Reservation
	if p.MinInterval > 0 {
		spacing = l.spacer(provider, p.MinInterval).ReserveN(now, 1)
		if d := spacing.DelayFrom(now); d > 0 {
			spacing.CancelAt(now)
			return Ticket{}, d, false
		}
	}

	ok, retryAfter, id, err := l.store.Reserve(ctx, provider, now, p.Window, p.Limit)
	if err != nil {
		slog.Warn("rate limit store unavailable, admitting call", slog.String("provider", provider), slog.Any("error", err))
		return Ticket{Provider: provider, Admitted: now}, 0, true
	}
	if !ok {
		if spacing != nil {
			spacing.CancelAt(now)
		}
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		return Ticket{}, retryAfter, false
	}
	return Ticket{Provider: provider, ID: id, Admitted: now}, 0, true
}

// Acquire waits until a call to provider is admitted. It gives up with
// domain.ErrRateLimited when the next slot is further away than maxWait or
// than the context deadline, and with the context error on cancellation.
func (l *Limiter) Acquire(ctx context.Context, provider string, maxWait time.Duration) (Ticket, error) {
	for {
		t, wait, ok := l.CheckRateLimit(ctx, provider)
		if ok {
			return t, nil
		}
		if wait > maxWait {
			return Ticket{}, fmt.Errorf("op=ratelimiter.Acquire: %w: %s needs %s", domain.ErrRateLimited, provider, wait)
		}
		if dl, has := ctx.Deadline(); has && wait > time.Until(dl) {
			return Ticket{}, fmt.Errorf("op=ratelimiter.Acquire: %w: %s needs %s past the deadline", domain.ErrRateLimited, provider, wait)
		}
		slog.Debug("rate limit reached, waiting", slog.String("provider", provider), slog.Duration("wait", wait))
		observability.RecordRateLimitWait(provider, wait)
		select {
		case <-ctx.Done():
			return Ticket{}, ctx.Err()
		case <-l.clock.After(wait):
		}
		maxWait -= wait
	}
}

// Complete records the outcome of an admitted call.
func (l *Limiter) Complete(ctx context.Context, t Ticket, success bool, latency time.Duration) {
	if t.ID == "" {
		return
	}
	if err := l.store.Complete(ctx, t.Provider, t.ID, success, latency); err != nil {
		slog.Warn("failed to record provider call outcome", slog.String("provider", t.Provider), slog.Any("error", err))
	}
}

// RecordFailure counts a consecutive failure and, past the threshold, starts a
// cooldown. Cooldowns served since the last success raise the level the
// cooldown is computed from, so a provider that keeps failing right after each
// cooldown backs off further until it reaches EscalatedCooldown.
func (l *Limiter) RecordFailure(ctx context.Context, provider string) domain.BackoffState {
	p := l.Policy(provider)
	l.clearExpired(ctx, provider)
	n, err := l.store.IncrFailures(ctx, provider)
	if err != nil {
		slog.Warn("failed to record provider failure", slog.String("provider", provider), slog.Any("error", err))
		return domain.BackoffState{Provider: provider}
	}
	st := domain.BackoffState{Provider: provider, ConsecutiveFailures: n}
	if prev, err := l.store.Backoff(ctx, provider); err == nil {
		st.Cooldowns = prev.Cooldowns
	}
	if n < p.MaxConsecutiveFailures {
		return st
	}
	if cd := p.Cooldown(n + st.Cooldowns); cd > 0 {
		st.ResetTime = l.clock.Now().Add(cd)
		if err := l.store.SetResetTime(ctx, provider, st.ResetTime); err != nil {
			slog.Warn("failed to store provider cooldown", slog.String("provider", provider), slog.Any("error", err))
		}
		observability.SetProviderBackoff(provider, true)
		slog.Warn("provider cooling down after consecutive failures",
			slog.String("provider", provider),
			slog.Int("consecutive_failures", n),
			slog.Int("cooldowns_served", st.Cooldowns),
			slog.Duration("cooldown", cd),
			slog.Time("reset_time", st.ResetTime))
	}
	return st
}

// clearExpired gives the provider a fresh failure budget once its cooldown is over.
func (l *Limiter) clearExpired(ctx context.Context, provider string) bool {
	cleared, err := l.store.ClearExpired(ctx, provider, l.clock.Now())
	if err != nil {
		slog.Warn("failed to clear expired provider cooldown", slog.String("provider", provider), slog.Any("error", err))
		return false
	}
	if cleared {
		observability.SetProviderBackoff(provider, false)
		slog.Info("provider cooldown over", slog.String("provider", provider))
	}
	return cleared
}

// RecordSuccess clears the failure counter and any cooldown.
func (l *Limiter) RecordSuccess(ctx context.Context, provider string) {
	if err := l.store.ResetBackoff(ctx, provider); err != nil {
		slog.Warn("failed to reset provider backoff", slog.String("provider", provider), slog.Any("error", err))
	}
	observability.SetProviderBackoff(provider, false)
}

// CanRetry is false while the provider's cooldown deadline lies in the future.
// Once the deadline has passed the failure count is reset.
func (l *Limiter) CanRetry(ctx context.Context, provider string) bool {
	st, err := l.store.Backoff(ctx, provider)
	if err != nil {
		slog.Warn("rate limit store unavailable, allowing retry", slog.String("provider", provider), slog.Any("error", err))
		return true
	}
	if st.ResetTime.IsZero() {
		return true
	}
	if l.clock.Now().Before(st.ResetTime) {
		return false
	}
	l.clearExpired(ctx, provider)
	return true
}

// Status summarises the provider's window and backoff state.
func (l *Limiter) Status(ctx context.Context, provider string) ProviderStatus {
	p := l.Policy(provider)
	now := l.clock.Now()
	ps := ProviderStatus{Provider: provider, Limit: p.Limit, Window: p.Window, CanRetry: true}

	calls, err := l.store.Calls(ctx, provider, now, p.Window)
	if err != nil {
		slog.Warn("failed to read provider calls", slog.String("provider", provider), slog.Any("error", err))
	}
	var total time.Duration
	for _, c := range calls {
		ps.CallsInWindow++
		if !c.Completed {
			continue
		}
		ps.Completed++
		total += c.Latency
		if c.Success {
			ps.Successes++
		}
	}
	if ps.Completed > 0 {
		ps.SuccessRate = float64(ps.Successes) / float64(ps.Completed)
		ps.MeanLatency = total / time.Duration(ps.Completed)
	}

	st, err := l.store.Backoff(ctx, provider)
	if err != nil {
		slog.Warn("failed to read provider backoff", slog.String("provider", provider), slog.Any("error", err))
		return ps
	}
	ps.ConsecutiveFailures = st.ConsecutiveFailures
	ps.ResetTime = st.ResetTime
	ps.CooldownsServed = st.Cooldowns
	ps.CanRetry = st.ResetTime.IsZero() || !now.Before(st.ResetTime)
	return ps
}

// durationSeconds converts fractional seconds to a Duration, saturating on overflow.
func durationSeconds(sec float64) time.Duration {
	if math.IsNaN(sec) || sec <= 0 {
		return 0
	}
	if sec >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(sec * float64(time.Second))
}
