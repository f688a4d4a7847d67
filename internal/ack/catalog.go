// Package ack plays short filler utterances while the real response is being
// produced, and fades them out once it starts.
package ack

import (
	"strings"
)

// Intent is a coarse guess at what the user is saying, used to pick a filler
type Intent string

const (
	IntentQuestion  Intent = "question"
	IntentCommand   Intent = "command"
	IntentStatement Intent = "statement"
	IntentDefault   Intent = "default"
)

// Catalog maps intents to filler phrases
type Catalog map[Intent][]string

// DefaultCatalog returns the built-in fillers
func DefaultCatalog() Catalog {
	return Catalog{
		IntentQuestion:  {"Hmm, let me check.", "Good question.", "Let me see."},
		IntentCommand:   {"Okay.", "Sure.", "On it."},
		IntentStatement: {"Mm-hm.", "I see.", "Right."},
		IntentDefault:   {"One moment."},
	}
}

// Select picks the n-th filler for intent, rotating through the list so
// consecutive turns do not repeat the same phrase
func (c Catalog) Select(intent Intent, n int) string {
	phrases := c[intent]
	if len(phrases) == 0 {
		phrases = c[IntentDefault]
	}
	if len(phrases) == 0 {
		return ""
	}
	if n < 0 {
		n = -n
	}
	return phrases[n%len(phrases)]
}

// Phrases returns every distinct filler in the catalog
func (c Catalog) Phrases() []string {
	seen := make(map[string]bool)
	var out []string
	for _, intent := range []Intent{IntentQuestion, IntentCommand, IntentStatement, IntentDefault} {
		for _, p := range c[intent] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	for intent, phrases := range c {
		switch intent {
		case IntentQuestion, IntentCommand, IntentStatement, IntentDefault:
			continue
		}
		for _, p := range phrases {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

var (
	questionWords = []string{"what", "why", "how", "when", "where", "who", "which", "is", "are", "can", "could", "do", "does", "will", "would", "should"}
	commandWords  = []string{"set", "turn", "play", "stop", "start", "open", "close", "call", "send", "remind", "add", "show", "tell", "find", "book", "cancel"}
)

// ClassifyIntent guesses the intent of a partial transcript from its first word
func ClassifyIntent(partial string) Intent {
	text := strings.ToLower(strings.TrimSpace(partial))
	if text == "" {
		return IntentDefault
	}
	if strings.HasSuffix(text, "?") {
		return IntentQuestion
	}
	first := strings.Trim(strings.Fields(text)[0], ",.!?;:")
	if first == "please" {
		return IntentCommand
	}
	for _, w := range questionWords {
		if first == w {
			return IntentQuestion
		}
	}
	for _, w := range commandWords {
		if first == w {
			return IntentCommand
		}
	}
	return IntentStatement
}
