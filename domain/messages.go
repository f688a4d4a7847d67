package domain

import (
	"time"

	"github.com/satriahrh/tutur/domain/entities"
)

// EventType names a downstream event sent to the transport
type EventType string

const (
	EventSTTPartial   EventType = "stt.partial"
	EventSTTFinal     EventType = "stt.final"
	EventLLMDelta     EventType = "llm.delta"
	EventTTSBegin     EventType = "tts.begin"
	EventTTSActive    EventType = "tts.active"
	EventTTSAudio     EventType = "tts.audio_chunk"
	EventTTSEnd       EventType = "tts.end"
	EventTurnRoute    EventType = "turn.route"
	EventError        EventType = "error"
	EventSessionReady EventType = "session.ready"
	EventPong         EventType = "pong"
)

// Event is one fire-once downstream event. Seq is assigned by the emitter and
// strictly increases per session.
type Event struct {
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	TurnID    string    `json:"turn_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// TranscriptPayload is carried by stt.partial and stt.final
type TranscriptPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// DeltaPayload is carried by llm.delta
type DeltaPayload struct {
	Text string `json:"text"`
}

// PlaybackPayload is carried by tts.begin and tts.end
type PlaybackPayload struct {
	PlaybackID string `json:"playback_id"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

// ActivePayload is carried by tts.active
type ActivePayload struct {
	PlaybackID string `json:"playback_id"`
	Active     bool   `json:"active"`
}

// AudioPayload is carried by tts.audio_chunk. Data is base64 PCM16 LE mono.
type AudioPayload struct {
	PlaybackID string `json:"playback_id"`
	Seq        int    `json:"seq"`
	SampleRate int    `json:"sample_rate"`
	Data       string `json:"data"`
}

// ErrorPayload is carried by error events; Message is safe to show to users
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoutePayload is carried by turn.route
type RoutePayload struct {
	Decision entities.RouteDecision `json:"decision"`
}

// SessionPayload is carried by session.ready
type SessionPayload struct {
	Session entities.Session `json:"session"`
	Resumed bool             `json:"resumed"`
}

// Emitter delivers downstream events in order
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(ev Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }
