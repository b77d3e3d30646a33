package ai

import (
	"github.com/TedBerlin/baguette-metro-sub000/internal/config"
	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// ProviderConfigs derives the three upstream configurations from cfg.
func ProviderConfigs(cfg config.Config) []ProviderConfig {
	initial, maxInterval, mult := cfg.GetAIBackoffConfig()
	base := ProviderConfig{
		Timeout:           cfg.AITimeout,
		Temperature:       cfg.AITemperature,
		TopP:              cfg.AITopP,
		Retries:           cfg.AIProviderRetries,
		BackoffInitial:    initial,
		BackoffMax:        maxInterval,
		BackoffMultiplier: mult,
	}

	mistral := base
	mistral.Name = domain.ProviderMistral
	mistral.APIKey = cfg.MistralAPIKey
	mistral.BaseURL = cfg.MistralBaseURL
	mistral.Model = cfg.MistralModel
	mistral.Enabled = cfg.EnableMistral

	openai := base
	openai.Name = domain.ProviderOpenAI
	openai.APIKey = cfg.OpenAIAPIKey
	openai.BaseURL = cfg.OpenAIBaseURL
	openai.Model = cfg.OpenAIModel
	openai.Enabled = cfg.EnableOpenAI

	openrouter := base
	openrouter.Name = domain.ProviderOpenRouter
	openrouter.APIKey = cfg.OpenRouterAPIKey
	openrouter.BaseURL = cfg.OpenRouterBaseURL
	openrouter.Model = cfg.OpenRouterModel
	openrouter.Enabled = cfg.EnableOpenRouter
	openrouter.Headers = map[string]string{
		"HTTP-Referer": cfg.OpenRouterReferer,
		"X-Title":      cfg.OpenRouterTitle,
	}

	return []ProviderConfig{mistral, openai, openrouter}
}

// NewProviders builds one ChatClient per upstream, keyed by provider name.
func NewProviders(cfg config.Config, opts ...ClientOption) map[string]*ChatClient {
	out := make(map[string]*ChatClient, 3)
	for _, pc := range ProviderConfigs(cfg) {
		out[pc.Name] = NewChatClient(pc, opts...)
	}
	return out
}
