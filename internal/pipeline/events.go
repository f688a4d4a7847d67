package pipeline

import (
	"fmt"
	"time"

	"github.com/satriahrh/tutur/domain/entities"
)

// EventKind tags an Event
type EventKind int

const (
	EventAudioFrame EventKind = iota
	EventPartialTranscript
	EventFinalTranscript
	EventGenerationFirstToken
	EventGenerationDelta
	EventGenerationComplete
	EventPhraseReady
	EventSynthesisFirstChunk
	EventSynthesisChunk
	EventSynthesisComplete
	EventPlaybackEnded
	EventAckReady
	EventBargeIn
	EventAdapterError
	EventRecalibrate
)

var eventNames = map[EventKind]string{
	EventAudioFrame:           "audio_frame",
	EventPartialTranscript:    "partial_transcript",
	EventFinalTranscript:      "final_transcript",
	EventGenerationFirstToken: "generation_first_token",
	EventGenerationDelta:      "generation_delta",
	EventGenerationComplete:   "generation_complete",
	EventPhraseReady:          "phrase_ready",
	EventSynthesisFirstChunk:  "synthesis_first_chunk",
	EventSynthesisChunk:       "synthesis_chunk",
	EventSynthesisComplete:    "synthesis_complete",
	EventPlaybackEnded:        "playback_ended",
	EventAckReady:             "ack_ready",
	EventBargeIn:              "barge_in",
	EventAdapterError:         "adapter_error",
	EventRecalibrate:          "recalibrate",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// TurnRef addresses a turn in the arena. A ref whose generation no longer
// matches its slot belongs to a finished turn.
type TurnRef struct {
	Slot int
	Gen  uint64
}

// IsZero reports whether the ref addresses no turn
func (r TurnRef) IsZero() bool {
	return r.Gen == 0
}

// Event is the single message type consumed by the coordinator loop. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	Turn TurnRef
	At   time.Time

	Frame      entities.AudioFrame
	Transcript entities.TranscriptEvent
	Text       string

	// PlaybackID is the synthesis adapter's id for the phrase being streamed
	PlaybackID string
	Seq        int
	Audio      []byte

	Err error
}
