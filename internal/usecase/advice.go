package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/i18n"
	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/observability"
	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
	"github.com/TedBerlin/baguette-metro-sub000/internal/service/canned"
	"github.com/TedBerlin/baguette-metro-sub000/pkg/textx"
)

// AdviceService produces travel advice for a route through the same
// provider chain as chat, with templated advice as the local fallback.
type AdviceService struct {
	Dispatcher Dispatcher
	Canned     *canned.Responder
	Texts      *i18n.Bundle
	Audit      domain.AuditSink
	MaxTokens  int
}

// NewAdviceService constructs an AdviceService with its dependencies.
func NewAdviceService(d Dispatcher, responder *canned.Responder, texts *i18n.Bundle, audit domain.AuditSink, maxTokens int) AdviceService {
	return AdviceService{Dispatcher: d, Canned: responder, Texts: texts, Audit: audit, MaxTokens: maxTokens}
}

// Advise returns advice for req. Only missing endpoints or an unsupported
// language are errors.
func (s AdviceService) Advise(ctx context.Context, req domain.AdviceRequest) (domain.ChatReply, error) {
	req.Origin = textx.SanitizeMessage(req.Origin)
	req.Destination = textx.SanitizeMessage(req.Destination)
	if req.Origin == "" || req.Destination == "" {
		return domain.ChatReply{}, fmt.Errorf("op=usecase.AdviceService.Advise: %w: origin and destination are required", domain.ErrInvalidArgument)
	}
	if req.Language == "" {
		req.Language = domain.DefaultLanguage
	}
	if !req.Language.Valid() {
		return domain.ChatReply{}, fmt.Errorf("op=usecase.AdviceService.Advise: %w: unsupported language %q", domain.ErrInvalidArgument, req.Language)
	}
	start := time.Now()

	prompt := domain.Prompt{
		System:    s.Texts.AdviceSystemPrompt(req.Language),
		User:      s.Texts.AdviceUserPrompt(req),
		Language:  req.Language,
		MaxTokens: s.MaxTokens,
	}
	r := s.Dispatcher.Dispatch(ctx, req.Language, prompt, func() string { return s.Canned.Advice(req) })
	out := domain.ChatReply{Response: r.Text, Source: r.Source, Language: req.Language}

	observability.RecordChatReply(out.Source, string(out.Language))
	recordInteraction(ctx, s.Audit, domain.InteractionRecord{
		ID:          uuid.NewString(),
		RequestID:   req.RequestID,
		Kind:        KindAdvice,
		Language:    req.Language,
		Source:      out.Source,
		MessageHash: hashMessage(req.Origin + "\x00" + req.Destination),
		Latency:     time.Since(start),
		CreatedAt:   time.Now().UTC(),
	})
	return out, nil
}
