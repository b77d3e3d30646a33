package canned

import (
	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/i18n"
	"github.com/TedBerlin/baguette-metro-sub000/internal/config"
	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// Responder produces the local fallback reply. It is pure: the same message
// and language always give the same text, and the text is never empty.
type Responder struct {
	classifier *Classifier
	texts      *i18n.Bundle
}

// New builds a responder over the routing table's intents and the text bundle.
func New(routing config.Routing, texts *i18n.Bundle) *Responder {
	return &Responder{classifier: NewClassifier(routing.Intents), texts: texts}
}

// Classify exposes the intent classification step.
func (r *Responder) Classify(message string) domain.Intent {
	return r.classifier.Classify(message)
}

// Respond returns the canned reply for message in lang.
func (r *Responder) Respond(message string, lang domain.Language) string {
	text, _ := r.Reply(message, lang)
	return text
}

// Reply is Respond that also reports the intent that was chosen.
func (r *Responder) Reply(message string, lang domain.Language) (string, domain.Intent) {
	if !lang.Valid() {
		lang = domain.DefaultLanguage
	}
	intent := r.classifier.Classify(message)
	return r.texts.Canned(lang, intent), intent
}

// Advice returns the templated travel advice for req.
func (r *Responder) Advice(req domain.AdviceRequest) string {
	if !req.Language.Valid() {
		req.Language = domain.DefaultLanguage
	}
	return r.texts.AdviceFallback(req)
}
