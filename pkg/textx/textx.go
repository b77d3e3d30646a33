// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// SanitizeMessage prepares user text for prompts, cache keys and intent
// matching. It composes accents to NFC so "Opéra" typed either way compares
// equal, drops control and format characters except tab and newline, and
// trims surrounding space.
func SanitizeMessage(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r == '\r':
			// CRLF collapses to the newline that follows.
		case unicode.IsControl(r) || unicode.Is(unicode.Cf, r):
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
