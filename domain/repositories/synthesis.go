package repositories

import (
	"context"
	"time"
)

// SynthesisOptions configures one synthesis request
type SynthesisOptions struct {
	Voice           string  `json:"voice"`
	Rate            float64 `json:"rate"`
	ChunkDurationMs int     `json:"chunk_duration_ms"`
	SampleRate      int     `json:"sample_rate"`
}

// SynthesisEventKind tags a SynthesisEvent
type SynthesisEventKind int

const (
	SynthesisFirstChunk SynthesisEventKind = iota
	SynthesisChunk
	SynthesisComplete
	SynthesisFailed
)

// SynthesisEvent is one item of a synthesis stream. Audio is PCM16 LE mono at
// the requested sample rate.
type SynthesisEvent struct {
	Kind       SynthesisEventKind
	PlaybackID string
	Seq        int
	Audio      []byte
	Err        error
}

// Synthesizer abstracts streaming speech synthesis services
type Synthesizer interface {
	// Synthesize starts streaming audio for text. The channel is closed after
	// Complete or Failed, or once the playback is cancelled.
	Synthesize(ctx context.Context, text string, opts SynthesisOptions) (playbackID string, events <-chan SynthesisEvent, err error)
	// Cancel stops a playback and reports how long the stop took to take effect
	Cancel(playbackID string) time.Duration
}
