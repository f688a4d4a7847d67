package pipeline

import (
	"errors"
	"fmt"
)

// State is the coordinator's turn state
type State int32

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Effect is one side effect the coordinator runs after a transition
type Effect int

const (
	EffectStartTurn Effect = iota
	EffectForwardAudio
	EffectRecordPartial
	EffectMaybeAck
	EffectPlayAck
	EffectRecordFinal
	EffectRouteAndGenerate
	EffectRecordFirstToken
	EffectStopAck
	EffectFeedSplitter
	EffectFlushSplitter
	EffectMarkGenerationDone
	EffectEmitDelta
	EffectRecordFirstAudio
	EffectCrossfadeAck
	EffectEnqueueAudio
	EffectMarkSegmentDone
	EffectMaybeFinish
	EffectFinalizeTurn
	EffectCancelPlayback
	EffectDiscardTurn
	EffectEmitError
	EffectFailTurn
)

var effectNames = map[Effect]string{
	EffectStartTurn:          "start_turn",
	EffectForwardAudio:       "forward_audio",
	EffectRecordPartial:      "record_partial",
	EffectMaybeAck:           "maybe_ack",
	EffectPlayAck:            "play_ack",
	EffectRecordFinal:        "record_final",
	EffectRouteAndGenerate:   "route_and_generate",
	EffectRecordFirstToken:   "record_first_token",
	EffectStopAck:            "stop_ack",
	EffectFeedSplitter:       "feed_splitter",
	EffectFlushSplitter:      "flush_splitter",
	EffectMarkGenerationDone: "mark_generation_done",
	EffectEmitDelta:          "emit_delta",
	EffectRecordFirstAudio:   "record_first_audio",
	EffectCrossfadeAck:       "crossfade_ack",
	EffectEnqueueAudio:       "enqueue_audio",
	EffectMarkSegmentDone:    "mark_segment_done",
	EffectMaybeFinish:        "maybe_finish",
	EffectFinalizeTurn:       "finalize_turn",
	EffectCancelPlayback:     "cancel_playback",
	EffectDiscardTurn:        "discard_turn",
	EffectEmitError:          "emit_error",
	EffectFailTurn:           "fail_turn",
}

func (e Effect) String() string {
	if name, ok := effectNames[e]; ok {
		return name
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// ErrIgnoredTransition marks an event that has no meaning in the current state
var ErrIgnoredTransition = errors.New("ignored transition")

type transitionKey struct {
	state State
	event EventKind
}

type transition struct {
	next    State
	effects []Effect
}

var table = map[transitionKey]transition{
	{StateIdle, EventAudioFrame}:        {StateListening, []Effect{EffectStartTurn, EffectForwardAudio}},
	{StateIdle, EventPartialTranscript}: {StateListening, []Effect{EffectStartTurn, EffectRecordPartial, EffectMaybeAck}},
	{StateIdle, EventFinalTranscript}:   {StateThinking, []Effect{EffectStartTurn, EffectRecordFinal, EffectRouteAndGenerate}},

	{StateListening, EventAudioFrame}:        {StateListening, []Effect{EffectForwardAudio}},
	{StateListening, EventPartialTranscript}: {StateListening, []Effect{EffectRecordPartial, EffectMaybeAck}},
	{StateListening, EventFinalTranscript}:   {StateThinking, []Effect{EffectRecordFinal, EffectRouteAndGenerate, EffectPlayAck}},
	{StateListening, EventAckReady}:          {StateListening, []Effect{EffectPlayAck}},

	{StateThinking, EventAudioFrame}:           {StateThinking, []Effect{EffectForwardAudio}},
	{StateThinking, EventAckReady}:             {StateThinking, []Effect{EffectPlayAck}},
	{StateThinking, EventGenerationFirstToken}: {StateThinking, []Effect{EffectRecordFirstToken, EffectStopAck, EffectFeedSplitter}},
	{StateThinking, EventGenerationDelta}:      {StateThinking, []Effect{EffectFeedSplitter}},
	{StateThinking, EventGenerationComplete}:   {StateThinking, []Effect{EffectFlushSplitter, EffectMarkGenerationDone, EffectMaybeFinish}},
	{StateThinking, EventPhraseReady}:          {StateThinking, []Effect{EffectEmitDelta}},
	{StateThinking, EventSynthesisFirstChunk}:  {StateSpeaking, []Effect{EffectRecordFirstAudio, EffectCrossfadeAck, EffectEnqueueAudio}},
	{StateThinking, EventSynthesisComplete}:    {StateThinking, []Effect{EffectMarkSegmentDone, EffectMaybeFinish}},
	{StateThinking, EventPlaybackEnded}:        {StateIdle, []Effect{EffectFinalizeTurn}},

	{StateSpeaking, EventAudioFrame}:          {StateSpeaking, []Effect{EffectForwardAudio}},
	{StateSpeaking, EventGenerationDelta}:     {StateSpeaking, []Effect{EffectFeedSplitter}},
	{StateSpeaking, EventGenerationComplete}:  {StateSpeaking, []Effect{EffectFlushSplitter, EffectMarkGenerationDone, EffectMaybeFinish}},
	{StateSpeaking, EventPhraseReady}:         {StateSpeaking, []Effect{EffectEmitDelta}},
	{StateSpeaking, EventSynthesisFirstChunk}: {StateSpeaking, []Effect{EffectEnqueueAudio}},
	{StateSpeaking, EventSynthesisChunk}:      {StateSpeaking, []Effect{EffectEnqueueAudio}},
	{StateSpeaking, EventSynthesisComplete}:   {StateSpeaking, []Effect{EffectMarkSegmentDone, EffectMaybeFinish}},
	{StateSpeaking, EventPlaybackEnded}:       {StateIdle, []Effect{EffectFinalizeTurn}},
	{StateSpeaking, EventBargeIn}:             {StateListening, []Effect{EffectCancelPlayback, EffectDiscardTurn, EffectStartTurn}},
}

// Transition looks up the next state and effects for event in state. An
// adapter error from any state fails the turn and returns to idle.
func Transition(state State, event EventKind) (State, []Effect, error) {
	if event == EventAdapterError {
		if state == StateIdle {
			return StateIdle, []Effect{EffectEmitError}, nil
		}
		return StateIdle, []Effect{EffectEmitError, EffectFailTurn}, nil
	}
	if state < StateIdle || state > StateSpeaking {
		return state, nil, fmt.Errorf("unknown state %d", int32(state))
	}
	t, ok := table[transitionKey{state, event}]
	if !ok {
		return state, nil, fmt.Errorf("%w: %s --(%s)--> ?", ErrIgnoredTransition, state, event)
	}
	return t.next, t.effects, nil
}
