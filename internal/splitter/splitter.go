// Package splitter turns a stream of generated text deltas into phrases that
// can be synthesized before the full response is known.
package splitter

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/satriahrh/tutur/domain/entities"
)

// Config holds the word-count thresholds for each boundary rule
type Config struct {
	MinorWords    int // cut on , ; : once this many words are buffered
	TerminalWords int // cut on . ! ? once this many words are buffered
	HardWords     int // cut regardless of punctuation
}

// DefaultConfig returns the 10/15/25 thresholds
func DefaultConfig() Config {
	return Config{
		MinorWords:    10,
		TerminalWords: 15,
		HardWords:     25,
	}
}

// Validate checks that thresholds are positive and ordered
func (c Config) Validate() error {
	if c.MinorWords <= 0 || c.TerminalWords <= 0 || c.HardWords <= 0 {
		return fmt.Errorf("splitter thresholds must be positive, got %d/%d/%d", c.MinorWords, c.TerminalWords, c.HardWords)
	}
	if c.MinorWords > c.HardWords || c.TerminalWords > c.HardWords {
		return fmt.Errorf("splitter hard cut (%d) must not be below punctuation thresholds", c.HardWords)
	}
	return nil
}

// Splitter accumulates deltas for one turn. It is not safe for concurrent use.
type Splitter struct {
	cfg Config
	buf strings.Builder
	seq int
}

// New creates a splitter
func New(cfg Config) *Splitter {
	return &Splitter{cfg: cfg}
}

// Feed appends a delta and returns any phrases whose boundary is now known.
// Cuts happen after punctuation or between words, so no word is split across
// phrases.
func (s *Splitter) Feed(delta string) []entities.PhraseChunk {
	if delta == "" {
		return nil
	}
	s.buf.WriteString(delta)

	var out []entities.PhraseChunk
	for {
		text := s.buf.String()
		cut, trigger := s.findCut(text)
		if cut <= 0 {
			return out
		}
		if chunk, ok := s.chunk(text[:cut], trigger); ok {
			out = append(out, chunk)
		}
		s.buf.Reset()
		s.buf.WriteString(text[cut:])
	}
}

// Flush emits whatever is buffered as the final phrase of the turn
func (s *Splitter) Flush() (entities.PhraseChunk, bool) {
	text := s.buf.String()
	s.buf.Reset()
	return s.chunk(text, entities.PhraseTriggerFlush)
}

// Reset drops buffered text; used when a turn is abandoned
func (s *Splitter) Reset() {
	s.buf.Reset()
	s.seq = 0
}

// Pending returns the buffered text not yet emitted
func (s *Splitter) Pending() string {
	return s.buf.String()
}

func (s *Splitter) chunk(text string, trigger entities.PhraseTrigger) (entities.PhraseChunk, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return entities.PhraseChunk{}, false
	}
	c := entities.PhraseChunk{
		Seq:       s.seq,
		Text:      text,
		WordCount: countWords(text),
		Trigger:   trigger,
	}
	s.seq++
	return c, true
}

// findCut returns the byte offset to cut at, or 0 when no rule fires.
// Terminal punctuation is preferred over minor punctuation, and both over the
// hard cut, so phrases end on natural pauses whenever possible.
func (s *Splitter) findCut(text string) (int, entities.PhraseTrigger) {
	if cut := lastPunctuationCut(text, isTerminal, s.cfg.TerminalWords); cut > 0 {
		return cut, entities.PhraseTriggerTerminal
	}
	if cut := lastPunctuationCut(text, isMinor, s.cfg.MinorWords); cut > 0 {
		return cut, entities.PhraseTriggerMinor
	}

	if cut := nthWordEnd(text, s.cfg.HardWords); cut > 0 {
		return cut, entities.PhraseTriggerHardCut
	}
	return 0, ""
}

// nthWordEnd returns the offset just past the n-th word when that word is
// known to be complete: followed by whitespace, or a single character of an
// unspaced script.
func nthWordEnd(text string, n int) int {
	words := 0
	inWord := false
	for i, r := range text {
		switch {
		case unicode.IsSpace(r):
			if inWord {
				words++
				if words == n {
					return i
				}
			}
			inWord = false
		case isUnspaced(r):
			if inWord {
				words++
				if words == n {
					return i
				}
			}
			inWord = false
			words++
			if words == n {
				return i + utf8.RuneLen(r)
			}
		case unicode.IsPunct(r) && !inWord:
		default:
			inWord = true
		}
	}
	return 0
}

// countWords counts whitespace separated words, with every character of an
// unspaced script counted as a word of its own
func countWords(text string) int {
	words := 0
	inWord := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if inWord {
				words++
			}
			inWord = false
		case isUnspaced(r):
			if inWord {
				words++
			}
			inWord = false
			words++
		case unicode.IsPunct(r) && !inWord:
		default:
			inWord = true
		}
	}
	if inWord {
		words++
	}
	return words
}

// lastPunctuationCut finds the last mark matched by isMark, plus any closing
// quotes or brackets, whose prefix holds at least minWords words. The mark
// must be followed by whitespace or unspaced text, or end the buffer when it
// cannot sit inside a token. '.', ',' and ':' at the end of the buffer wait
// for the next delta: "3.5", "1,000", "e.g." and "10:30" keep them inside.
func lastPunctuationCut(text string, isMark func(rune) bool, minWords int) int {
	best := 0
	for i, r := range text {
		if !isMark(r) {
			continue
		}
		end := i + utf8.RuneLen(r)
		for end < len(text) {
			next, size := utf8.DecodeRuneInString(text[end:])
			if !isCloser(next) {
				break
			}
			end += size
		}
		if end >= len(text) {
			if !endsPhrase(r) {
				continue
			}
		} else {
			next, _ := utf8.DecodeRuneInString(text[end:])
			if !unicode.IsSpace(next) && !isUnspaced(next) && !isWide(r) {
				continue
			}
		}
		if countWords(text[:end]) >= minWords {
			best = end
		}
	}
	return best
}

// isUnspaced reports scripts written without spaces between words
func isUnspaced(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana)
}

// endsPhrase reports marks that close a phrase even with nothing after them
func endsPhrase(r rune) bool {
	switch r {
	case '!', '?', '…', ';':
		return true
	}
	return isWide(r)
}

// isWide reports full-width punctuation, which needs no trailing space
func isWide(r rune) bool {
	return r >= 0x3000
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}

func isMinor(r rune) bool {
	switch r {
	case ',', ';', ':', '，', '；', '：':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '»', '”', '’':
		return true
	}
	return false
}
