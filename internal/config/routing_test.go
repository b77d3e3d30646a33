package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

func TestDefaultRouting_Plans(t *testing.T) {
	r := DefaultRouting()

	assert.Equal(t, []string{"openai", "mistral", "openrouter"}, r.Plan(domain.LangFR))
	assert.Equal(t, []string{"mistral", "openai", "openrouter"}, r.Plan(domain.LangEN))
	assert.Equal(t, []string{"mistral", "openai", "openrouter"}, r.Plan(domain.LangJA))
	// unknown languages follow the default language
	assert.Equal(t, r.Plan(domain.LangFR), r.Plan("de"))
}

func TestDefaultRouting_PlanIsACopy(t *testing.T) {
	r := DefaultRouting()
	p := r.Plan(domain.LangEN)
	p[0] = "mutated"
	assert.Equal(t, "mistral", r.Plan(domain.LangEN)[0])
}

func TestDefaultRouting_IntentsSortedByPriority(t *testing.T) {
	r := DefaultRouting()
	require.NotEmpty(t, r.Intents)
	assert.Equal(t, domain.IntentRoute, r.Intents[0].Name)
	for i := 1; i < len(r.Intents); i++ {
		assert.Less(t, r.Intents[i-1].Priority, r.Intents[i].Priority)
	}
}

func TestParseRouting_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing language", `
languages:
  fr: [openai]
  en: [mistral]
intents: []`},
		{"unknown provider", `
languages:
  fr: [openai]
  en: [claude]
  ja: [mistral]`},
		{"duplicate provider", `
languages:
  fr: [openai, openai]
  en: [mistral]
  ja: [mistral]`},
		{"unknown intent", `
languages: {fr: [openai], en: [openai], ja: [openai]}
intents:
  - {name: weather, priority: 1, keywords: [rain]}`},
		{"default intent declared", `
languages: {fr: [openai], en: [openai], ja: [openai]}
intents:
  - {name: default, priority: 1, keywords: [x]}`},
		{"shared priority", `
languages: {fr: [openai], en: [openai], ja: [openai]}
intents:
  - {name: route, priority: 1, keywords: [aller]}
  - {name: bakery, priority: 1, keywords: [pain]}`},
		{"no keywords", `
languages: {fr: [openai], en: [openai], ja: [openai]}
intents:
  - {name: route, priority: 1, keywords: []}`},
		{"not yaml", `languages: [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRouting([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadRouting_FromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "routing.yaml")
	body := `
languages:
  fr: [mistral]
  en: [openrouter, openai]
  ja: []
intents:
  - {name: greeting, priority: 2, keywords: [bonjour]}
  - {name: bakery, priority: 1, keywords: [pain]}
`
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))

	r, err := LoadRouting(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"mistral"}, r.Plan(domain.LangFR))
	assert.Equal(t, []string{"openrouter", "openai"}, r.Plan(domain.LangEN))
	assert.Empty(t, r.Plan(domain.LangJA))
	require.Len(t, r.Intents, 2)
	assert.Equal(t, domain.IntentBakery, r.Intents[0].Name)

	_, err = LoadRouting(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=config.LoadRouting")
}

func TestLoadRouting_EmptyPathUsesEmbedded(t *testing.T) {
	r, err := LoadRouting("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRouting().Plan(domain.LangJA), r.Plan(domain.LangJA))
}
