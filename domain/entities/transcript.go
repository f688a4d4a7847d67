package entities

import (
	"strings"
	"time"
	"unicode/utf8"
)

// TranscriptEvent is one recognition result, partial or final
type TranscriptEvent struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	IsFinal    bool      `json:"is_final"`
	Timestamp  time.Time `json:"timestamp"`
}

// WordCount counts whitespace separated words
func (t TranscriptEvent) WordCount() int {
	return len(strings.Fields(t.Text))
}

// CharCount counts non-space characters of the trimmed text
func (t TranscriptEvent) CharCount() int {
	return utf8.RuneCountInString(strings.TrimSpace(t.Text))
}

// PhraseTrigger names the splitter rule that produced a phrase
type PhraseTrigger string

const (
	PhraseTriggerHardCut  PhraseTrigger = "hard_cut"
	PhraseTriggerMinor    PhraseTrigger = "minor_punctuation"
	PhraseTriggerTerminal PhraseTrigger = "terminal_punctuation"
	PhraseTriggerFlush    PhraseTrigger = "flush"
)

// PhraseChunk is generated text ready to be synthesized
type PhraseChunk struct {
	Seq       int           `json:"seq"`
	Text      string        `json:"text"`
	WordCount int           `json:"word_count"`
	Trigger   PhraseTrigger `json:"trigger"`
}
