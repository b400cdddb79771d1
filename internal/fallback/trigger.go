// Package fallback detects responses that break character by disclosing
// that they were written by an AI.
package fallback

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var nouns = []string{
	"ai powered chatbot",
	"ai text based model",
	"ai text based language model",
	"chat bot",
	"chatbot",
	"artificial intelligence",
	"ai language model",
	"language model",
	"computer program",
	"virtual agent",
	"artificial intelligence agent",
	"artificially intelligent agent",
	"ai agent",
	"ai assistant",
	"text based ai",
	"text based ai agent",
	"text based ai language model",
	"text based ai assistant",
}

var prefixes = []string{
	"as a",
	"as an",
	"i'm a",
	"i'm an",
	"i am a",
	"i am an",
	"i am just a",
	"i am just an",
}

var (
	phrases = buildPhrases()
	lower   = cases.Lower(language.Und)
)

func buildPhrases() []string {
	out := make([]string, 0, len(nouns)*len(prefixes))
	for _, noun := range nouns {
		for _, prefix := range prefixes {
			out = append(out, prefix+" "+noun)
		}
	}
	return out
}

// Phrases returns a copy of every trigger phrase.
func Phrases() []string {
	return append([]string(nil), phrases...)
}

// Triggered reports whether text contains an AI self-disclosure phrase.
func Triggered(text string) bool {
	folded := strings.ReplaceAll(lower.String(text), "-", " ")
	for _, phrase := range phrases {
		if strings.Contains(folded, phrase) {
			return true
		}
	}
	return false
}
