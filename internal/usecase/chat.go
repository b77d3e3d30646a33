package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/cache"
	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/i18n"
	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/observability"
	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
	obsctx "github.com/TedBerlin/baguette-metro-sub000/internal/observability"
	"github.com/TedBerlin/baguette-metro-sub000/internal/service/canned"
	"github.com/TedBerlin/baguette-metro-sub000/pkg/textx"
)

// Interaction kinds recorded in the audit log.
const (
	KindChat   = "chat"
	KindQuick  = "quick"
	KindAdvice = "advice"
)

// ChatService answers chat questions through the dispatcher, the response
// cache and the local canned responder.
type ChatService struct {
	Dispatcher Dispatcher
	Canned     *canned.Responder
	Texts      *i18n.Bundle
	// Cache may be nil to disable caching.
	Cache     domain.ResponseCache
	CacheTTL  time.Duration
	Audit     domain.AuditSink
	MaxTokens int
	MaxRunes  int
	Now       func() time.Time
}

// NewChatService constructs a ChatService with its dependencies.
func NewChatService(d Dispatcher, responder *canned.Responder, texts *i18n.Bundle, c domain.ResponseCache, ttl time.Duration, audit domain.AuditSink, maxTokens, maxRunes int) ChatService {
	return ChatService{
		Dispatcher: d,
		Canned:     responder,
		Texts:      texts,
		Cache:      c,
		CacheTTL:   ttl,
		Audit:      audit,
		MaxTokens:  maxTokens,
		MaxRunes:   maxRunes,
		Now:        time.Now,
	}
}

func (s ChatService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// validate normalises the message and rejects empty, oversized or
// unsupported-language requests.
func (s ChatService) validate(req domain.ChatRequest) (string, error) {
	msg := textx.SanitizeMessage(req.Message)
	if msg == "" {
		return "", fmt.Errorf("%w: message is required", domain.ErrInvalidArgument)
	}
	if s.MaxRunes > 0 && utf8.RuneCountInString(msg) > s.MaxRunes {
		return "", fmt.Errorf("%w: message longer than %d characters", domain.ErrInvalidArgument, s.MaxRunes)
	}
	if req.Language != "" && !req.Language.Valid() {
		return "", fmt.Errorf("%w: unsupported language %q", domain.ErrInvalidArgument, req.Language)
	}
	return msg, nil
}

// ResolveLanguage picks the reply language: an explicit choice, then a
// confident guess from the message, then the Accept-Language header, then French.
func (s ChatService) ResolveLanguage(explicit domain.Language, message, acceptLanguage string) domain.Language {
	if explicit.Valid() {
		return explicit
	}
	if lang, confident := canned.DetectLanguage(message); confident {
		return lang
	}
	if s.Texts != nil {
		if lang, ok := s.Texts.MatchAcceptLanguage(acceptLanguage); ok {
			return lang
		}
	}
	return domain.DefaultLanguage
}

// Reply answers one chat message. It only fails on invalid input; provider
// failures end in the local fallback.
func (s ChatService) Reply(ctx context.Context, req domain.ChatRequest) (domain.ChatReply, error) {
	msg, err := s.validate(req)
	if err != nil {
		return domain.ChatReply{}, fmt.Errorf("op=usecase.ChatService.Reply: %w", err)
	}
	start := time.Now()
	lang := s.ResolveLanguage(req.Language, msg, req.AcceptLanguage)
	lg := obsctx.Logger(ctx).With(slog.String("language", string(lang)))

	key := cache.Key(lang, msg)
	if s.Cache != nil {
		entry, hit, err := s.Cache.Get(ctx, key)
		if err != nil {
			lg.Warn("response cache lookup failed", slog.Any("error", err))
		}
		observability.RecordCacheLookup(hit)
		if hit {
			out := domain.ChatReply{Response: entry.ResponseText, Source: entry.SourceProvider, Language: lang, Cached: true}
			s.finish(ctx, req.RequestID, KindChat, msg, out, start)
			return out, nil
		}
	}

	prompt := domain.Prompt{User: msg, Language: lang, MaxTokens: s.MaxTokens}
	if s.Texts != nil {
		prompt.System = s.Texts.ChatSystemPrompt(lang)
	}
	var intent domain.Intent
	r := s.Dispatcher.Dispatch(ctx, lang, prompt, func() string {
		var text string
		text, intent = s.Canned.Reply(msg, lang)
		return text
	})

	out := domain.ChatReply{Response: r.Text, Source: r.Source, Language: lang, Intent: intent}
	if s.Cache != nil && r.Source != domain.SourceLocalFallback {
		now := s.now()
		entry := domain.CachedResponse{Key: key, ResponseText: r.Text, SourceProvider: r.Source, CreatedAt: now}
		if s.CacheTTL > 0 {
			entry.ExpiresAt = now.Add(s.CacheTTL)
		}
		if err := s.Cache.Set(ctx, entry); err != nil {
			lg.Warn("response cache store failed", slog.Any("error", err))
		}
	}
	s.finish(ctx, req.RequestID, KindChat, msg, out, start)
	return out, nil
}

// QuickReply answers from the canned responder only.
func (s ChatService) QuickReply(ctx context.Context, req domain.ChatRequest) (domain.ChatReply, error) {
	msg, err := s.validate(req)
	if err != nil {
		return domain.ChatReply{}, fmt.Errorf("op=usecase.ChatService.QuickReply: %w", err)
	}
	start := time.Now()
	lang := s.ResolveLanguage(req.Language, msg, req.AcceptLanguage)
	text, intent := s.Canned.Reply(msg, lang)
	out := domain.ChatReply{Response: text, Source: domain.SourceLocalFallback, Language: lang, Intent: intent}
	s.finish(ctx, req.RequestID, KindQuick, msg, out, start)
	return out, nil
}

func (s ChatService) finish(ctx context.Context, requestID, kind, msg string, out domain.ChatReply, start time.Time) {
	observability.RecordChatReply(out.Source, string(out.Language))
	recordInteraction(ctx, s.Audit, domain.InteractionRecord{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		Kind:        kind,
		Language:    out.Language,
		Intent:      out.Intent,
		Source:      out.Source,
		MessageHash: hashMessage(msg),
		Latency:     time.Since(start),
		Cached:      out.Cached,
		CreatedAt:   s.now().UTC(),
	})
}

// recordInteraction writes an audit record. Audit failures never fail a reply.
func recordInteraction(ctx context.Context, sink domain.AuditSink, rec domain.InteractionRecord) {
	if sink == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := sink.Record(actx, rec); err != nil {
		obsctx.Logger(ctx).Warn("audit record failed", slog.String("kind", rec.Kind), slog.Any("error", err))
	}
}

func hashMessage(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
