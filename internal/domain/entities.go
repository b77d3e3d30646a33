package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrNotFound              = errors.New("not found")
	ErrRateLimited           = errors.New("rate limited")
	ErrUpstreamTimeout       = errors.New("upstream timeout")
	ErrUpstreamRateLimit     = errors.New("upstream rate limit")
	ErrUpstreamFailure       = errors.New("upstream failure")
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrInternal              = errors.New("internal error")
)

// Language is one of the supported reply languages.
type Language string

const (
	LangFR Language = "fr"
	LangEN Language = "en"
	LangJA Language = "ja"
)

// DefaultLanguage is used whenever nothing better is known.
const DefaultLanguage = LangFR

// SupportedLanguages lists the languages in display order.
var SupportedLanguages = []Language{LangFR, LangEN, LangJA}

// Valid reports whether l is a supported language.
func (l Language) Valid() bool {
	switch l {
	case LangFR, LangEN, LangJA:
		return true
	}
	return false
}

// Provider names double as reply sources.
const (
	ProviderMistral    = "mistral"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"

	// SourceLocalFallback marks a reply produced by the canned responder.
	SourceLocalFallback = "local_fallback"
)

// Intent is the closed set of topics the canned responder knows about.
type Intent string

const (
	IntentRoute      Intent = "route"
	IntentHowItWorks Intent = "how_it_works"
	IntentBakery     Intent = "bakery"
	IntentMetro      Intent = "metro"
	IntentTourism    Intent = "paris_tourism"
	IntentGreeting   Intent = "greeting"
	IntentDefault    Intent = "default"
)

// Intents lists every intent, default last.
var Intents = []Intent{IntentRoute, IntentHowItWorks, IntentBakery, IntentMetro, IntentTourism, IntentGreeting, IntentDefault}

// Valid reports whether i belongs to the closed intent set.
func (i Intent) Valid() bool {
	for _, v := range Intents {
		if v == i {
			return true
		}
	}
	return false
}

// Prompt is what a provider adapter turns into a chat-completion request.
type Prompt struct {
	System    string
	User      string
	Language  Language
	MaxTokens int
}

// Reply is the outcome of one dispatcher run.
type Reply struct {
	Text   string
	Source string
}

// ChatRequest is an inbound chat question.
type ChatRequest struct {
	RequestID      string
	Message        string
	Language       Language
	AcceptLanguage string
}

// ChatReply is what the chat endpoint returns.
type ChatReply struct {
	Response string   `json:"response"`
	Source   string   `json:"source"`
	Language Language `json:"language"`
	Intent   Intent   `json:"intent,omitempty"`
	Cached   bool     `json:"cached"`
}

// AdviceRequest asks for travel advice on a known route.
type AdviceRequest struct {
	RequestID   string
	Origin      string
	Destination string
	ETA         string
	Distance    string
	Language    Language
}

// ProviderCallRecord is one admitted call in a provider's sliding window.
// Invariants: Success and Latency are meaningful only once the call completed.
type ProviderCallRecord struct {
	ID        string
	Provider  string
	Timestamp time.Time
	Completed bool
	Success   bool
	Latency   time.Duration
}

// BackoffState tracks consecutive failures for one provider. Once ResetTime
// passes, the failure count starts over and Cooldowns records that another
// cooldown has been served since the last success.
type BackoffState struct {
	Provider            string
	ConsecutiveFailures int
	ResetTime           time.Time
	Cooldowns           int
}

// CachedResponse is a provider reply kept for identical questions.
// An entry whose ExpiresAt has passed is treated as absent.
type CachedResponse struct {
	Key            string    `json:"key"`
	ResponseText   string    `json:"response_text"`
	SourceProvider string    `json:"source_provider"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at now.
func (c CachedResponse) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// InteractionRecord is the audit trail of one answered request.
// It carries a hash of the message, never the message itself.
type InteractionRecord struct {
	ID          string        `json:"id"`
	RequestID   string        `json:"request_id"`
	Kind        string        `json:"kind"`
	Language    Language      `json:"language"`
	Intent      Intent        `json:"intent,omitempty"`
	Source      string        `json:"source"`
	MessageHash string        `json:"message_hash"`
	Latency     time.Duration `json:"latency_ns"`
	Cached      bool          `json:"cached"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Ports

// ChatProvider is one external chat-completion API.
type ChatProvider interface {
	Name() string
	// Configured reports whether credentials are present.
	Configured() bool
	Complete(ctx Context, p Prompt) (string, error)
}

// ResponseCache stores provider replies by question hash.
type ResponseCache interface {
	Get(ctx Context, key string) (CachedResponse, bool, error)
	Set(ctx Context, entry CachedResponse) error
	Len(ctx Context) (int, error)
	Flush(ctx Context) error
}

// AuditSink persists interaction records.
type AuditSink interface {
	Record(ctx Context, rec InteractionRecord) error
	Close() error
}

// Context is an alias to allow decoupling from std context in domain.
type Context = context.Context
