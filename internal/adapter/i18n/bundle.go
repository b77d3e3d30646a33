// Package i18n holds every user-facing string of the assistant: system
// prompts, canned replies and the advice template, in French, English and
// Japanese. Missing translations fall back to French.
package i18n

import (
	"embed"
	"fmt"
	"log/slog"
	"strings"

	goi18n "github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// Bundle resolves message ids to localised text.
type Bundle struct {
	bundle     *goi18n.Bundle
	localizers map[domain.Language]*goi18n.Localizer
	matcher    language.Matcher
}

// New loads the embedded locale files.
func New() (*Bundle, error) {
	b := goi18n.NewBundle(language.French)
	b.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)
	for _, lang := range domain.SupportedLanguages {
		if _, err := b.LoadMessageFileFS(localeFS, "locales/"+string(lang)+".yaml"); err != nil {
			return nil, fmt.Errorf("op=i18n.New: %w", err)
		}
	}
	out := &Bundle{
		bundle:     b,
		localizers: make(map[domain.Language]*goi18n.Localizer, len(domain.SupportedLanguages)),
	}
	tags := make([]language.Tag, len(domain.SupportedLanguages))
	for i, lang := range domain.SupportedLanguages {
		tags[i] = language.Make(string(lang))
	}
	out.matcher = language.NewMatcher(tags)
	for _, lang := range domain.SupportedLanguages {
		out.localizers[lang] = goi18n.NewLocalizer(b, string(lang))
	}
	return out, nil
}

// MustNew is New for program start-up and tests.
func MustNew() *Bundle {
	b, err := New()
	if err != nil {
		panic(err)
	}
	return b
}

// Text localises id for lang. Unknown languages use French; an unknown id
// is returned as is.
func (b *Bundle) Text(lang domain.Language, id string, data any) string {
	loc, ok := b.localizers[lang]
	if !ok {
		loc = b.localizers[domain.DefaultLanguage]
	}
	msg, err := loc.Localize(&goi18n.LocalizeConfig{MessageID: id, TemplateData: data})
	if err != nil {
		slog.Warn("missing translation", slog.String("id", id), slog.String("language", string(lang)), slog.Any("error", err))
		if msg == "" {
			return id
		}
	}
	return msg
}

// Canned returns the canned reply for an intent.
func (b *Bundle) Canned(lang domain.Language, intent domain.Intent) string {
	if !intent.Valid() {
		intent = domain.IntentDefault
	}
	return b.Text(lang, "canned."+string(intent), nil)
}

// ChatSystemPrompt is the system message sent with every chat completion.
func (b *Bundle) ChatSystemPrompt(lang domain.Language) string {
	return b.Text(lang, "prompt.chat", nil)
}

// AdviceSystemPrompt is the system message for travel advice.
func (b *Bundle) AdviceSystemPrompt(lang domain.Language) string {
	return b.Text(lang, "prompt.advice_system", nil)
}

// AdviceUserPrompt renders the trip details into the advice request.
func (b *Bundle) AdviceUserPrompt(req domain.AdviceRequest) string {
	return b.Text(req.Language, "prompt.advice_user", b.adviceData(req))
}

// AdviceFallback renders the templated advice used when no provider answers.
func (b *Bundle) AdviceFallback(req domain.AdviceRequest) string {
	return strings.TrimSpace(b.Text(req.Language, "advice.fallback", b.adviceData(req)))
}

func (b *Bundle) adviceData(req domain.AdviceRequest) map[string]string {
	unknown := b.Text(req.Language, "advice.unknown", nil)
	orUnknown := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return unknown
		}
		return strings.TrimSpace(s)
	}
	return map[string]string{
		"Origin":      orUnknown(req.Origin),
		"Destination": orUnknown(req.Destination),
		"ETA":         orUnknown(req.ETA),
		"Distance":    orUnknown(req.Distance),
	}
}

// MatchAcceptLanguage picks the supported language best matching an
// Accept-Language header. ok is false when nothing matches.
func (b *Bundle) MatchAcceptLanguage(header string) (domain.Language, bool) {
	if strings.TrimSpace(header) == "" {
		return "", false
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return "", false
	}
	_, idx, conf := b.matcher.Match(tags...)
	if conf == language.No {
		return "", false
	}
	return domain.SupportedLanguages[idx], true
}
