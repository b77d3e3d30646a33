package canned

import (
	"strings"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

var frenchWords = setOf(
	"le", "la", "les", "un", "une", "des", "du", "de", "et", "est", "à", "au", "aux", "je", "vous", "tu",
	"où", "comment", "quel", "quelle", "quels", "pour", "avec", "dans", "sur", "pas", "bonjour", "salut",
	"merci", "boulangerie", "aller", "trouver", "près", "voudrais", "peux", "c", "j", "l", "d", "qu",
)

var englishWords = setOf(
	"the", "a", "an", "is", "are", "and", "i", "you", "my", "to", "of", "in", "on", "what", "how", "where",
	"when", "why", "which", "can", "could", "please", "hello", "hi", "thanks", "thank", "first", "time",
	"visit", "help", "bakery", "find", "near", "get", "want", "would", "best",
)

// DetectLanguage guesses the language of a message. Any kana or kanji means
// Japanese. Otherwise French and English function words are counted and
// accented letters count toward French. confident is false when neither
// side wins, in which case French is returned.
func DetectLanguage(message string) (domain.Language, bool) {
	for _, r := range message {
		if isJapanese(r) {
			return domain.LangJA, true
		}
	}
	fr, en := 0, 0
	for _, w := range strings.Fields(normalize(message)) {
		if frenchWords[w] {
			fr++
		}
		if englishWords[w] {
			en++
		}
	}
	if strings.ContainsFunc(strings.ToLower(message), isFrenchAccent) {
		fr++
	}
	switch {
	case en > fr:
		return domain.LangEN, true
	case fr > en:
		return domain.LangFR, true
	default:
		return domain.DefaultLanguage, false
	}
}

func isFrenchAccent(r rune) bool {
	return strings.ContainsRune("àâæçéèêëîïôœùûüÿ", r)
}

func setOf(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
