package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
	obsctx "github.com/TedBerlin/baguette-metro-sub000/internal/observability"
	"github.com/TedBerlin/baguette-metro-sub000/internal/service/ratelimiter"
)

// ProviderHealth reports one provider's configuration and limiter state.
type ProviderHealth struct {
	Enabled    bool `json:"enabled"`
	Configured bool `json:"configured"`
	ratelimiter.ProviderStatus
}

// ChatHealth is the body of the chat health report.
type ChatHealth struct {
	Status       string                    `json:"status"`
	Providers    map[string]ProviderHealth `json:"providers"`
	CacheEnabled bool                      `json:"cache_enabled"`
	CacheEntries int                       `json:"cache_entries"`
}

// ChatInfo describes what the chat surface supports.
type ChatInfo struct {
	Languages []domain.Language            `json:"languages"`
	Plans     map[domain.Language][]string `json:"plans"`
	Intents   []domain.Intent              `json:"intents"`
	Providers []string                     `json:"providers"`
	Features  map[string]bool              `json:"features"`
}

// providerNames returns the configured provider names sorted.
func (s ChatService) providerNames() []string {
	names := make([]string, 0, len(s.Dispatcher.Providers))
	for name := range s.Dispatcher.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health reports the state of every provider. Status is "degraded" when no
// provider can currently answer, in which case replies come from the local fallback.
func (s ChatService) Health(ctx context.Context) ChatHealth {
	h := ChatHealth{Status: "ok", Providers: map[string]ProviderHealth{}, CacheEnabled: s.Cache != nil}
	usable := 0
	for _, name := range s.providerNames() {
		p := s.Dispatcher.Providers[name]
		ph := ProviderHealth{Enabled: true, Configured: p.Configured()}
		if t, ok := p.(toggled); ok {
			ph.Enabled = t.Enabled()
		}
		if s.Dispatcher.Limiter != nil {
			ph.ProviderStatus = s.Dispatcher.Limiter.Status(ctx, name)
		} else {
			ph.ProviderStatus = ratelimiter.ProviderStatus{Provider: name, CanRetry: true}
		}
		if ph.Enabled && ph.Configured && ph.CanRetry {
			usable++
		}
		h.Providers[name] = ph
	}
	if usable == 0 {
		h.Status = "degraded"
	}
	if s.Cache != nil {
		n, err := s.Cache.Len(ctx)
		if err != nil {
			obsctx.Logger(ctx).Warn("response cache size unavailable", slog.Any("error", err))
		}
		h.CacheEntries = n
	}
	return h
}

// Info lists the supported languages, their provider plans and the canned intents.
func (s ChatService) Info() ChatInfo {
	info := ChatInfo{
		Languages: append([]domain.Language(nil), domain.SupportedLanguages...),
		Plans:     map[domain.Language][]string{},
		Intents:   append([]domain.Intent(nil), domain.Intents...),
		Providers: s.providerNames(),
		Features: map[string]bool{
			"cache":              s.Cache != nil,
			"audit":              s.Audit != nil,
			"language_detection": true,
			"quick_reply":        true,
			"advice":             true,
		},
	}
	for _, lang := range domain.SupportedLanguages {
		info.Plans[lang] = s.Dispatcher.Routing.Plan(lang)
	}
	return info
}

// ResetProvider clears the provider's failure counter and cooldown.
func (s ChatService) ResetProvider(ctx context.Context, name string) error {
	if _, ok := s.Dispatcher.Providers[name]; !ok {
		return fmt.Errorf("op=usecase.ChatService.ResetProvider: %w: provider %q", domain.ErrNotFound, name)
	}
	s.Dispatcher.Limiter.RecordSuccess(ctx, name)
	obsctx.Logger(ctx).Info("provider backoff reset", slog.String("provider", name))
	return nil
}

// FlushCache empties the response cache. It is a no-op when caching is disabled.
func (s ChatService) FlushCache(ctx context.Context) error {
	if s.Cache == nil {
		return nil
	}
	if err := s.Cache.Flush(ctx); err != nil {
		return fmt.Errorf("op=usecase.ChatService.FlushCache: %w", err)
	}
	obsctx.Logger(ctx).Info("response cache flushed")
	return nil
}
