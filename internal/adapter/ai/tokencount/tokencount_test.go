package tokencount

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodingName(t *testing.T) {
	tests := map[string]string{
		"gpt-4o-mini":                   "o200k_base",
		"openai/gpt-4o":                 "o200k_base",
		"mistral-small-latest":          "cl100k_base",
		"mistralai/mistral-7b-instruct": "cl100k_base",
		"":                              "cl100k_base",
	}
	for model, want := range tests {
		assert.Equal(t, want, encodingName(model), model)
	}
}

func TestCount(t *testing.T) {
	c := NewCounter()
	assert.Zero(t, c.Count("", "gpt-4o-mini"))

	n := c.Count("Bonjour, où est la boulangerie la plus proche ?", "mistral-small-latest")
	assert.Greater(t, n, 5)
	assert.Less(t, n, 40)

	// the same text is counted the same way twice
	assert.Equal(t, n, c.Count("Bonjour, où est la boulangerie la plus proche ?", "mistral-small-latest"))
	assert.Positive(t, c.Count("エッフェル塔への行き方", "gpt-4o-mini"))
}

func TestCountChat_AddsFraming(t *testing.T) {
	c := NewCounter()
	user := "How do I get to the Louvre?"
	plain := c.Count(user, "gpt-4o-mini")
	assert.Equal(t, plain+4+3, c.CountChat("", user, "gpt-4o-mini"))
	assert.Greater(t, c.CountChat("You are a concierge.", user, "gpt-4o-mini"), plain+7)
}

func TestUsage(t *testing.T) {
	u := NewCounter().Usage("sys", "user prompt", "a reply", "gpt-4o-mini", "openai")
	assert.Equal(t, u.PromptTokens+u.CompletionTokens, u.TotalTokens)
	assert.Equal(t, "openai", u.Provider)
	assert.Positive(t, u.CompletionTokens)
}

func TestCounter_Concurrent(t *testing.T) {
	c := NewCounter()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Positive(t, c.Count("métro ligne 14", "mistral-small-latest"))
		}()
	}
	wg.Wait()
}

func TestEstimate(t *testing.T) {
	assert.Equal(t, 1, estimate("ab"))
	assert.Equal(t, 2, estimate("12345678"))
}
