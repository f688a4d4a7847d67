package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		event   EventKind
		next    State
		effects []Effect
	}{
		{"audio opens a turn", StateIdle, EventAudioFrame, StateListening, []Effect{EffectStartTurn, EffectForwardAudio}},
		{"partial opens a turn", StateIdle, EventPartialTranscript, StateListening, []Effect{EffectStartTurn, EffectRecordPartial, EffectMaybeAck}},
		{"final routes", StateListening, EventFinalTranscript, StateThinking, []Effect{EffectRecordFinal, EffectRouteAndGenerate, EffectPlayAck}},
		{"first token stops pending ack", StateThinking, EventGenerationFirstToken, StateThinking, []Effect{EffectRecordFirstToken, EffectStopAck, EffectFeedSplitter}},
		{"first audio speaks", StateThinking, EventSynthesisFirstChunk, StateSpeaking, []Effect{EffectRecordFirstAudio, EffectCrossfadeAck, EffectEnqueueAudio}},
		{"chunks keep speaking", StateSpeaking, EventSynthesisChunk, StateSpeaking, []Effect{EffectEnqueueAudio}},
		{"generation done", StateSpeaking, EventGenerationComplete, StateSpeaking, []Effect{EffectFlushSplitter, EffectMarkGenerationDone, EffectMaybeFinish}},
		{"drained", StateSpeaking, EventPlaybackEnded, StateIdle, []Effect{EffectFinalizeTurn}},
		{"silent response", StateThinking, EventPlaybackEnded, StateIdle, []Effect{EffectFinalizeTurn}},
		{"barge-in", StateSpeaking, EventBargeIn, StateListening, []Effect{EffectCancelPlayback, EffectDiscardTurn, EffectStartTurn}},
		{"error while thinking", StateThinking, EventAdapterError, StateIdle, []Effect{EffectEmitError, EffectFailTurn}},
		{"error while speaking", StateSpeaking, EventAdapterError, StateIdle, []Effect{EffectEmitError, EffectFailTurn}},
		{"error while idle", StateIdle, EventAdapterError, StateIdle, []Effect{EffectEmitError}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, effects, err := Transition(tt.state, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.next, next)
			assert.Equal(t, tt.effects, effects)
		})
	}
}

func TestTransitionIgnoresMeaninglessEvents(t *testing.T) {
	tests := []struct {
		state State
		event EventKind
	}{
		{StateIdle, EventGenerationDelta},
		{StateIdle, EventBargeIn},
		{StateIdle, EventPlaybackEnded},
		{StateListening, EventSynthesisChunk},
		{StateListening, EventBargeIn},
		{StateThinking, EventBargeIn},
		{StateThinking, EventPartialTranscript},
		{StateThinking, EventFinalTranscript},
		{StateSpeaking, EventFinalTranscript},
		{StateSpeaking, EventAckReady},
	}

	for _, tt := range tests {
		t.Run(tt.state.String()+"/"+tt.event.String(), func(t *testing.T) {
			next, effects, err := Transition(tt.state, tt.event)
			require.ErrorIs(t, err, ErrIgnoredTransition)
			assert.Equal(t, tt.state, next)
			assert.Empty(t, effects)
		})
	}
}

func TestEveryStateReachesIdle(t *testing.T) {
	for _, state := range []State{StateIdle, StateListening, StateThinking, StateSpeaking} {
		next, _, err := Transition(state, EventAdapterError)
		require.NoError(t, err)
		assert.Equal(t, StateIdle, next, state.String())
	}
}

func TestTransitionRejectsUnknownState(t *testing.T) {
	_, _, err := Transition(State(42), EventAudioFrame)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIgnoredTransition)
}

func TestNamesAreStable(t *testing.T) {
	assert.Equal(t, "speaking", StateSpeaking.String())
	assert.Equal(t, "barge_in", EventBargeIn.String())
	assert.Equal(t, "crossfade_ack", EffectCrossfadeAck.String())
	assert.Equal(t, "effect(99)", Effect(99).String())
}
