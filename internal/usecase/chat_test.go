package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/cache"
	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/i18n"
	"github.com/TedBerlin/baguette-metro-sub000/internal/config"
	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
	"github.com/TedBerlin/baguette-metro-sub000/internal/service/canned"
	"github.com/TedBerlin/baguette-metro-sub000/internal/usecase"
)

type mockAudit struct{ mock.Mock }

func (m *mockAudit) Record(ctx context.Context, rec domain.InteractionRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockAudit) Close() error { return nil }

func newChatService(t *testing.T, f *fixture, c domain.ResponseCache, audit domain.AuditSink) usecase.ChatService {
	t.Helper()
	texts := i18n.MustNew()
	svc := usecase.NewChatService(f.dispatcher, canned.New(config.DefaultRouting(), texts), texts, c, 15*time.Minute, audit, 200, 2000)
	svc.Now = func() time.Time { return t0 }
	return svc
}

func TestChat_Reply_InvalidInput(t *testing.T) {
	f := newFixture(t)
	svc := newChatService(t, f, nil, nil)

	tests := []struct {
		name string
		req  domain.ChatRequest
	}{
		{"empty", domain.ChatRequest{Message: ""}},
		{"blank", domain.ChatRequest{Message: " \n\t "}},
		{"bad language", domain.ChatRequest{Message: "hi", Language: "de"}},
		{"too long", domain.ChatRequest{Message: string(make([]rune, 2001))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Reply(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
	assert.Zero(t, f.openai.Calls())
}

func TestChat_Reply_ProviderAnswer(t *testing.T) {
	f := newFixture(t)
	svc := newChatService(t, f, nil, nil)

	out, err := svc.Reply(context.Background(), domain.ChatRequest{Message: "Où est la boulangerie ?", Language: domain.LangFR})
	require.NoError(t, err)

	assert.Equal(t, "openai says hi", out.Response)
	assert.Equal(t, domain.ProviderOpenAI, out.Source)
	assert.Equal(t, domain.LangFR, out.Language)
	assert.False(t, out.Cached)
	assert.Empty(t, out.Intent)

	p := f.openai.Prompt()
	assert.Equal(t, i18n.MustNew().ChatSystemPrompt(domain.LangFR), p.System)
	assert.Equal(t, "Où est la boulangerie ?", p.User)
	assert.Equal(t, 200, p.MaxTokens)
}

func TestChat_Reply_LocalFallback(t *testing.T) {
	f := newFixture(t)
	f.mistral.err = domain.ErrUpstreamRateLimit
	f.openai.err = domain.ErrUpstreamFailure
	f.openrouter.unset = true
	svc := newChatService(t, f, nil, nil)

	out, err := svc.Reply(context.Background(), domain.ChatRequest{Message: "Where is the best bakery?", Language: domain.LangEN})
	require.NoError(t, err)

	assert.Equal(t, domain.SourceLocalFallback, out.Source)
	assert.Equal(t, domain.IntentBakery, out.Intent)
	assert.Equal(t, i18n.MustNew().Canned(domain.LangEN, domain.IntentBakery), out.Response)
}

func TestChat_Reply_LanguageResolution(t *testing.T) {
	tests := []struct {
		name   string
		req    domain.ChatRequest
		want   domain.Language
		source string
	}{
		{"explicit wins", domain.ChatRequest{Message: "How do I get there?", Language: domain.LangFR, AcceptLanguage: "ja"}, domain.LangFR, domain.ProviderOpenAI},
		{"detected english", domain.ChatRequest{Message: "How do I get to the Louvre?"}, domain.LangEN, domain.ProviderMistral},
		{"detected japanese", domain.ChatRequest{Message: "パン屋はどこですか", AcceptLanguage: "fr"}, domain.LangJA, domain.ProviderMistral},
		{"accept-language", domain.ChatRequest{Message: "ok", AcceptLanguage: "ja-JP,ja;q=0.9"}, domain.LangJA, domain.ProviderMistral},
		{"default", domain.ChatRequest{Message: "ok"}, domain.LangFR, domain.ProviderOpenAI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newChatService(t, newFixture(t), nil, nil)
			out, err := svc.Reply(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Language)
			assert.Equal(t, tt.source, out.Source)
		})
	}
}

func TestChat_Reply_CachesProviderAnswers(t *testing.T) {
	f := newFixture(t)
	c := cache.NewMemoryCache(10, cache.WithNow(func() time.Time { return t0 }))
	svc := newChatService(t, f, c, nil)
	ctx := context.Background()

	first, err := svc.Reply(ctx, domain.ChatRequest{Message: "Hello there", Language: domain.LangEN})
	require.NoError(t, err)
	second, err := svc.Reply(ctx, domain.ChatRequest{Message: "  hello   THERE ", Language: domain.LangEN})
	require.NoError(t, err)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, domain.ProviderMistral, second.Source)
	assert.Equal(t, 1, f.mistral.Calls())

	// same question in another language is a different entry
	_, err = svc.Reply(ctx, domain.ChatRequest{Message: "Hello there", Language: domain.LangJA})
	require.NoError(t, err)
	assert.Equal(t, 2, f.mistral.Calls())
}

func TestChat_Reply_LocalFallbackIsNotCached(t *testing.T) {
	f := newFixture(t)
	f.mistral.unset, f.openai.unset, f.openrouter.unset = true, true, true
	c := cache.NewMemoryCache(10)
	svc := newChatService(t, f, c, nil)

	_, err := svc.Reply(context.Background(), domain.ChatRequest{Message: "Bonjour", Language: domain.LangFR})
	require.NoError(t, err)

	n, err := c.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChat_Reply_Audit(t *testing.T) {
	f := newFixture(t)
	audit := &mockAudit{}
	audit.On("Record", mock.Anything, mock.MatchedBy(func(rec domain.InteractionRecord) bool {
		return rec.Kind == usecase.KindChat &&
			rec.RequestID == "req-1" &&
			rec.Source == domain.ProviderOpenAI &&
			rec.Language == domain.LangFR &&
			len(rec.MessageHash) == 64 &&
			rec.ID != "" &&
			rec.CreatedAt.Equal(t0)
	})).Return(nil).Once()
	svc := newChatService(t, f, nil, audit)

	_, err := svc.Reply(context.Background(), domain.ChatRequest{RequestID: "req-1", Message: "Salut", Language: domain.LangFR})
	require.NoError(t, err)
	audit.AssertExpectations(t)
}

func TestChat_Reply_AuditFailureDoesNotFailReply(t *testing.T) {
	f := newFixture(t)
	audit := &mockAudit{}
	audit.On("Record", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	svc := newChatService(t, f, nil, audit)

	out, err := svc.Reply(context.Background(), domain.ChatRequest{Message: "Salut", Language: domain.LangFR})
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderOpenAI, out.Source)
}

func TestChat_QuickReply(t *testing.T) {
	f := newFixture(t)
	svc := newChatService(t, f, nil, nil)

	out, err := svc.QuickReply(context.Background(), domain.ChatRequest{Message: "Comment aller à la tour Eiffel ?"})
	require.NoError(t, err)

	assert.Equal(t, domain.SourceLocalFallback, out.Source)
	assert.Equal(t, domain.IntentRoute, out.Intent)
	assert.Equal(t, domain.LangFR, out.Language)
	assert.Zero(t, f.openai.Calls()+f.mistral.Calls()+f.openrouter.Calls())

	_, err = svc.QuickReply(context.Background(), domain.ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestChat_Health(t *testing.T) {
	f := newFixture(t)
	c := cache.NewMemoryCache(10)
	svc := newChatService(t, f, c, nil)
	ctx := context.Background()

	h := svc.Health(ctx)
	assert.Equal(t, "ok", h.Status)
	require.Len(t, h.Providers, 3)
	assert.True(t, h.Providers[domain.ProviderMistral].CanRetry)
	assert.True(t, h.CacheEnabled)

	f.openai.disabled = true
	f.mistral.unset = true
	for i := 0; i < 3; i++ {
		f.limiter.RecordFailure(ctx, domain.ProviderOpenRouter)
	}
	h = svc.Health(ctx)
	assert.Equal(t, "degraded", h.Status)
	assert.False(t, h.Providers[domain.ProviderOpenAI].Enabled)
	assert.False(t, h.Providers[domain.ProviderMistral].Configured)
	assert.Equal(t, 3, h.Providers[domain.ProviderOpenRouter].ConsecutiveFailures)
	assert.False(t, h.Providers[domain.ProviderOpenRouter].CanRetry)
}

func TestChat_Info(t *testing.T) {
	svc := newChatService(t, newFixture(t), nil, nil)
	info := svc.Info()

	assert.Equal(t, []domain.Language{domain.LangFR, domain.LangEN, domain.LangJA}, info.Languages)
	assert.Equal(t, []string{"openai", "mistral", "openrouter"}, info.Plans[domain.LangFR])
	assert.Equal(t, []string{"mistral", "openai", "openrouter"}, info.Providers)
	assert.Contains(t, info.Intents, domain.IntentRoute)
	assert.False(t, info.Features["cache"])
}

func TestChat_ResetProvider(t *testing.T) {
	f := newFixture(t)
	svc := newChatService(t, f, nil, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		f.limiter.RecordFailure(ctx, domain.ProviderMistral)
	}
	require.False(t, f.limiter.CanRetry(ctx, domain.ProviderMistral))

	require.NoError(t, svc.ResetProvider(ctx, domain.ProviderMistral))
	assert.True(t, f.limiter.CanRetry(ctx, domain.ProviderMistral))

	err := svc.ResetProvider(ctx, "claude")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestChat_FlushCache(t *testing.T) {
	f := newFixture(t)
	c := cache.NewMemoryCache(10)
	svc := newChatService(t, f, c, nil)
	ctx := context.Background()

	_, err := svc.Reply(ctx, domain.ChatRequest{Message: "Salut", Language: domain.LangFR})
	require.NoError(t, err)
	n, _ := c.Len(ctx)
	require.Equal(t, 1, n)

	require.NoError(t, svc.FlushCache(ctx))
	n, _ = c.Len(ctx)
	assert.Zero(t, n)

	assert.NoError(t, newChatService(t, f, nil, nil).FlushCache(ctx))
}
