// Package cache stores provider replies so identical questions in the same
// language are answered without another upstream call.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// Key derives the cache key for a question in a language. Case and
// surrounding or repeated whitespace do not change the key.
func Key(lang domain.Language, question string) string {
	q := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	h := sha256.Sum256([]byte(string(lang) + "\x00" + q))
	return hex.EncodeToString(h[:])
}
