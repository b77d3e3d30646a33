// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/TedBerlin/baguette-metro-sub000/internal/config"
	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
	obsctx "github.com/TedBerlin/baguette-metro-sub000/internal/observability"
	"github.com/TedBerlin/baguette-metro-sub000/internal/service/ratelimiter"
)

// Dispatcher states, logged with every attempt.
const (
	StateTryPrimary    = "TRY_PRIMARY"
	StateTrySecondary  = "TRY_SECONDARY"
	StateTryTertiary   = "TRY_TERTIARY"
	StateTryNext       = "TRY_NEXT"
	StateLocalFallback = "LOCAL_FALLBACK"
	StateDone          = "DONE"
)

func stepState(i int) string {
	switch i {
	case 0:
		return StateTryPrimary
	case 1:
		return StateTrySecondary
	case 2:
		return StateTryTertiary
	default:
		return StateTryNext
	}
}

// toggled is implemented by providers that can be switched off by configuration.
type toggled interface {
	Enabled() bool
}

// Dispatcher walks the language's provider plan and ends with the local
// fallback, so Dispatch always yields a non-empty reply.
type Dispatcher struct {
	Providers map[string]domain.ChatProvider
	Limiter   *ratelimiter.Limiter
	Routing   config.Routing
	// MaxWait bounds how long one provider may hold the run waiting for its rate window.
	MaxWait time.Duration
	// Deadline bounds the provider part of a run. The local fallback runs regardless.
	Deadline time.Duration
}

// NewDispatcher constructs a Dispatcher with its dependencies.
func NewDispatcher(providers map[string]domain.ChatProvider, lim *ratelimiter.Limiter, routing config.Routing, maxWait, deadline time.Duration) Dispatcher {
	return Dispatcher{Providers: providers, Limiter: lim, Routing: routing, MaxWait: maxWait, Deadline: deadline}
}

// Dispatch tries each provider planned for lang in order and returns the
// first non-empty completion. When none answers, fallback provides the text
// and the source is domain.SourceLocalFallback.
func (d Dispatcher) Dispatch(ctx context.Context, lang domain.Language, prompt domain.Prompt, fallback func() string) domain.Reply {
	lg := obsctx.Logger(ctx).With(slog.String("language", string(lang)))
	runCtx := ctx
	if d.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.Deadline)
		defer cancel()
	}

	for i, name := range d.Routing.Plan(lang) {
		state := stepState(i)
		plg := lg.With(slog.String("provider", name), slog.String("state", state))
		if runCtx.Err() != nil {
			plg.Warn("provider skipped", slog.String("reason", "deadline"))
			break
		}
		text, reason, err := d.try(runCtx, ctx, name, prompt)
		if reason == "" {
			plg.Info("provider answered")
			return domain.Reply{Text: text, Source: name}
		}
		if err != nil {
			plg.Warn("provider failed", slog.String("reason", reason), slog.Any("error", err))
		} else {
			plg.Info("provider skipped", slog.String("reason", reason))
		}
	}

	lg.Info("answering locally", slog.String("state", StateLocalFallback))
	text := ""
	if fallback != nil {
		text = fallback()
	}
	if strings.TrimSpace(text) == "" {
		text = "…"
	}
	lg.Debug("dispatch finished", slog.String("state", StateDone), slog.String("source", domain.SourceLocalFallback))
	return domain.Reply{Text: text, Source: domain.SourceLocalFallback}
}

// try runs one provider. An empty reason means it answered; otherwise reason
// says why it was skipped or failed.
func (d Dispatcher) try(runCtx, reqCtx context.Context, name string, prompt domain.Prompt) (string, string, error) {
	p, ok := d.Providers[name]
	if !ok || p == nil {
		return "", "unknown_provider", nil
	}
	if t, ok := p.(toggled); ok && !t.Enabled() {
		return "", "disabled", nil
	}
	if !p.Configured() {
		return "", "not_configured", nil
	}
	if !d.Limiter.CanRetry(runCtx, name) {
		return "", "backoff", nil
	}
	ticket, err := d.Limiter.Acquire(runCtx, name, d.MaxWait)
	if err != nil {
		return "", "rate_limited", err
	}

	start := time.Now()
	text, err := p.Complete(runCtx, prompt)
	latency := time.Since(start)
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = fmt.Errorf("%w: empty completion", domain.ErrUpstreamFailure)
	}
	if err == nil {
		d.Limiter.Complete(runCtx, ticket, true, latency)
		d.Limiter.RecordSuccess(runCtx, name)
		return text, "", nil
	}

	d.Limiter.Complete(reqCtx, ticket, false, latency)
	// A caller that went away says nothing about the provider.
	if reqCtx.Err() == nil {
		d.Limiter.RecordFailure(reqCtx, name)
	}
	return "", "call_failed", err
}
