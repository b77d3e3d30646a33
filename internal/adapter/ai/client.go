// Package ai provides the OpenAI-compatible chat clients for Mistral, OpenAI
// and OpenRouter.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/ai/tokencount"
	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/observability"
	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
	obsctx "github.com/TedBerlin/baguette-metro-sub000/internal/observability"
)

// ProviderConfig describes one upstream.
type ProviderConfig struct {
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	Enabled     bool
	Timeout     time.Duration
	Temperature float64
	TopP        float64
	// Retries is the number of extra attempts inside Complete. Zero means one attempt.
	Retries           uint64
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	// Headers are sent with every request, e.g. OpenRouter attribution.
	Headers map[string]string
}

// ChatClient calls POST {BaseURL}/chat/completions.
type ChatClient struct {
	pc     ProviderConfig
	hc     *http.Client
	tokens *tokencount.Counter
}

// ClientOption customises a ChatClient.
type ClientOption func(*ChatClient)

// WithHTTPClient replaces the traced default client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *ChatClient) { c.hc = hc }
}

// NewChatClient builds a client for pc.
func NewChatClient(pc ProviderConfig, opts ...ClientOption) *ChatClient {
	if pc.Timeout <= 0 {
		pc.Timeout = 15 * time.Second
	}
	c := &ChatClient{
		pc: pc,
		hc: &http.Client{
			Timeout:   pc.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tokens: tokencount.DefaultCounter,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name implements domain.ChatProvider.
func (c *ChatClient) Name() string { return c.pc.Name }

// Configured implements domain.ChatProvider.
func (c *ChatClient) Configured() bool { return strings.TrimSpace(c.pc.APIKey) != "" }

// Enabled reports the provider's feature toggle.
func (c *ChatClient) Enabled() bool { return c.pc.Enabled }

// Model is the upstream model id.
func (c *ChatClient) Model() string { return c.pc.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements domain.ChatProvider. A missing key fails with
// domain.ErrProviderNotConfigured before any network call.
func (c *ChatClient) Complete(ctx context.Context, p domain.Prompt) (string, error) {
	lg := obsctx.Logger(ctx).With(slog.String("provider", c.pc.Name), slog.String("model", c.pc.Model))
	if !c.Configured() {
		observability.ObserveAIRequest(c.pc.Name, "not_configured", 0)
		return "", fmt.Errorf("op=ai.%s.Complete: %w", c.pc.Name, domain.ErrProviderNotConfigured)
	}

	msgs := make([]chatMessage, 0, 2)
	if p.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: p.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: p.User})
	body, err := json.Marshal(chatRequest{
		Model:       c.pc.Model,
		Messages:    msgs,
		MaxTokens:   p.MaxTokens,
		Temperature: c.pc.Temperature,
		TopP:        c.pc.TopP,
	})
	if err != nil {
		return "", fmt.Errorf("op=ai.%s.Complete: %w", c.pc.Name, err)
	}
	endpoint := strings.TrimRight(c.pc.BaseURL, "/") + "/chat/completions"

	var out chatResponse
	op := func() error {
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, c.pc.Timeout)
		defer cancel()

		// Recreate request each attempt to avoid reusing consumed bodies
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrUpstreamFailure, err))
		}
		req.Header.Set("Authorization", "Bearer "+c.pc.APIKey)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range c.pc.Headers {
			if v != "" {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			err = classifyTransportError(err)
			observability.ObserveAIRequest(c.pc.Name, outcome(err), time.Since(start))
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observability.ObserveAIRequest(c.pc.Name, outcome(domain.ErrUpstreamRateLimit), time.Since(start))
			lg.Warn("ai provider rate limited",
				slog.Int("status", resp.StatusCode),
				slog.String("retry_after", resp.Header.Get("Retry-After")))
			return fmt.Errorf("%w: status 429", domain.ErrUpstreamRateLimit)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			observability.ObserveAIRequest(c.pc.Name, "failure", time.Since(start))
			lg.Warn("ai provider 4xx",
				slog.Int("status", resp.StatusCode),
				slog.String("body", readSnippet(resp.Body, 512)))
			return backoff.Permanent(fmt.Errorf("%w: status %d", domain.ErrUpstreamFailure, resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			observability.ObserveAIRequest(c.pc.Name, "failure", time.Since(start))
			lg.Error("ai provider non-2xx",
				slog.Int("status", resp.StatusCode),
				slog.String("body", readSnippet(resp.Body, 512)))
			return fmt.Errorf("%w: status %d", domain.ErrUpstreamFailure, resp.StatusCode)
		}

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			err = classifyTransportError(err)
			observability.ObserveAIRequest(c.pc.Name, outcome(err), time.Since(start))
			return err
		}
		out = chatResponse{}
		if err := json.Unmarshal(raw, &out); err != nil {
			observability.ObserveAIRequest(c.pc.Name, "failure", time.Since(start))
			lg.Error("ai provider decode error", slog.Any("error", err))
			return backoff.Permanent(fmt.Errorf("%w: decode response: %v", domain.ErrUpstreamFailure, err))
		}
		if len(out.Choices) == 0 || CleanCompletion(out.Choices[0].Message.Content) == "" {
			observability.ObserveAIRequest(c.pc.Name, "failure", time.Since(start))
			return backoff.Permanent(fmt.Errorf("%w: empty completion", domain.ErrUpstreamFailure))
		}
		observability.ObserveAIRequest(c.pc.Name, "success", time.Since(start))
		return nil
	}

	if err := backoff.Retry(op, c.retryPolicy(ctx)); err != nil {
		lg.Warn("ai provider call failed", slog.Any("error", err))
		return "", fmt.Errorf("op=ai.%s.Complete: %w", c.pc.Name, err)
	}

	text := CleanCompletion(out.Choices[0].Message.Content)
	c.recordTokens(p, text, out)
	return text, nil
}

func (c *ChatClient) retryPolicy(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	if c.pc.BackoffInitial > 0 {
		expo.InitialInterval = c.pc.BackoffInitial
	}
	if c.pc.BackoffMax > 0 {
		expo.MaxInterval = c.pc.BackoffMax
	}
	if c.pc.BackoffMultiplier > 0 {
		expo.Multiplier = c.pc.BackoffMultiplier
	}
	expo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(expo, c.pc.Retries), ctx)
}

func (c *ChatClient) recordTokens(p domain.Prompt, completion string, out chatResponse) {
	if out.Usage != nil && out.Usage.PromptTokens > 0 {
		observability.AddAITokens(c.pc.Name, "in", out.Usage.PromptTokens)
		observability.AddAITokens(c.pc.Name, "out", out.Usage.CompletionTokens)
		return
	}
	u := c.tokens.Usage(p.System, p.User, completion, c.pc.Model, c.pc.Name)
	observability.AddAITokens(c.pc.Name, "in", u.PromptTokens)
	observability.AddAITokens(c.pc.Name, "out", u.CompletionTokens)
}

// classifyTransportError maps client-side failures onto the upstream sentinels.
func classifyTransportError(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrUpstreamFailure, err))
	}
	return fmt.Errorf("%w: %v", domain.ErrUpstreamFailure, err)
}

// outcome is the metrics label for an attempt's error.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		return "rate_limited"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrProviderNotConfigured):
		return "not_configured"
	default:
		return "failure"
	}
}

func readSnippet(r io.Reader, n int) string {
	if r == nil || n <= 0 {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, int64(n)))
	return string(b)
}
