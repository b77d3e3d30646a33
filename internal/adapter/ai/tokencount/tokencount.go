// Package tokencount estimates prompt and completion sizes for provider calls
// with tiktoken encodings. Encodings are loaded from the embedded offline
// loader, so counting never touches the network.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Usage is the token count of one chat completion.
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Model            string `json:"model"`
	Provider         string `json:"provider"`
}

// Counter counts tokens. It is safe for concurrent use.
type Counter struct {
	mu            sync.RWMutex
	encodingCache map[string]*tiktoken.Tiktoken
}

// NewCounter creates a counter with an empty encoding cache.
func NewCounter() *Counter {
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

// DefaultCounter is shared by the provider clients.
var DefaultCounter = NewCounter()

func (c *Counter) encoding(model string) (*tiktoken.Tiktoken, error) {
	name := encodingName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[name]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	c.encodingCache[name] = enc
	return enc, nil
}

// encodingName picks the tiktoken encoding closest to a provider model.
// Mistral and OpenRouter models have their own tokenizers; cl100k_base is
// a fair approximation for accounting.
func encodingName(model string) string {
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	switch {
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return tiktoken.MODEL_O200K_BASE
	default:
		return tiktoken.MODEL_CL100K_BASE
	}
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text, model string) int {
	if text == "" {
		return 0
	}
	enc, err := c.encoding(model)
	if err != nil {
		slog.Debug("token encoding unavailable, estimating", slog.String("model", model), slog.Any("error", err))
		return estimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountChat counts a system+user prompt including the per-message framing
// OpenAI-compatible APIs add.
func (c *Counter) CountChat(system, user, model string) int {
	const perMessage = 4 // role, separators
	const replyPriming = 3
	n := replyPriming
	if system != "" {
		n += perMessage + c.Count(system, model)
	}
	return n + perMessage + c.Count(user, model)
}

// Usage counts a whole exchange.
func (c *Counter) Usage(system, user, completion, model, provider string) Usage {
	p := c.CountChat(system, user, model)
	out := c.Count(completion, model)
	return Usage{PromptTokens: p, CompletionTokens: out, TotalTokens: p + out, Model: model, Provider: provider}
}

// estimate is the usual four characters per token heuristic.
func estimate(text string) int {
	n := utf8.RuneCountInString(text) / 4
	if n == 0 {
		return 1
	}
	return n
}
