// Package canned answers locally when no AI provider can: it classifies the
// message into one intent and returns the intent's localised reply.
package canned

import (
	"strings"
	"unicode"

	"github.com/TedBerlin/baguette-metro-sub000/internal/config"
	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

type rule struct {
	intent   domain.Intent
	priority int
	words    []string // matched as whole words, padded with spaces
	cjk      []string // matched as substrings
}

// Classifier maps a message to exactly one intent.
type Classifier struct {
	rules []rule
}

// NewClassifier builds a classifier from the routing table's intent rules.
func NewClassifier(rules []config.IntentRule) *Classifier {
	c := &Classifier{rules: make([]rule, 0, len(rules))}
	for _, r := range rules {
		cr := rule{intent: r.Name, priority: r.Priority}
		seen := map[string]bool{}
		for _, kw := range r.Keywords {
			n := strings.TrimSpace(normalize(kw))
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			if hasCJK(n) {
				cr.cjk = append(cr.cjk, n)
			} else {
				cr.words = append(cr.words, " "+n+" ")
			}
		}
		c.rules = append(c.rules, cr)
	}
	return c
}

// Classify scores every intent by the number of its keywords found in the
// message. The highest score wins, ties go to the lower priority number and
// a message matching nothing is IntentDefault.
func (c *Classifier) Classify(message string) domain.Intent {
	text := " " + normalize(message) + " "
	best, bestScore, bestPriority := domain.IntentDefault, 0, 0
	for _, r := range c.rules {
		score := 0
		for _, w := range r.words {
			if strings.Contains(text, w) {
				score++
			}
		}
		for _, w := range r.cjk {
			if strings.Contains(text, w) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		if score > bestScore || (score == bestScore && r.priority < bestPriority) {
			best, bestScore, bestPriority = r.intent, score, r.priority
		}
	}
	return best
}

// normalize lowercases s, keeps accents and turns every run of
// non-alphanumeric runes into a single space.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return b.String()
}

func hasCJK(s string) bool {
	for _, r := range s {
		if isJapanese(r) {
			return true
		}
	}
	return false
}

func isJapanese(r rune) bool {
	return unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han)
}
