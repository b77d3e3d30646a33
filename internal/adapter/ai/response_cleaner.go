package ai

import (
	"regexp"
	"strings"
)

var (
	// Reasoning models served through OpenRouter may leak their scratchpad.
	thinkBlock    = regexp.MustCompile(`(?s)<think>.*?</think>`)
	speakerPrefix = regexp.MustCompile(`^(?i)(assistant|bot|réponse|response)\s*:\s*`)
)

// CleanCompletion normalises a chat completion before it reaches the user:
// reasoning blocks, a wrapping code fence and a leading speaker label are
// removed and surrounding whitespace is trimmed. An empty result means the
// provider produced nothing usable.
func CleanCompletion(text string) string {
	text = thinkBlock.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	text = removeCodeFence(text)
	text = speakerPrefix.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

func removeCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") || len(text) < 6 {
		return text
	}
	body := strings.TrimSuffix(strings.TrimPrefix(text, "```"), "```")
	// drop a language tag such as ```markdown
	if i := strings.IndexByte(body, '\n'); i >= 0 && !strings.ContainsAny(body[:i], " \t") {
		body = body[i+1:]
	}
	return strings.TrimSpace(body)
}
