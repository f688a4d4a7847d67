package tts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
)

func TestMockSynthesizerLengthFollowsText(t *testing.T) {
	synth := NewMockSynthesizer(MockConfig{PerChar: 10 * time.Millisecond, Frequency: 220, Amplitude: 0.2}, nil, zaptest.NewLogger(t))

	_, events, err := synth.Synthesize(context.Background(), "twenty characters!!!", repositories.SynthesisOptions{
		SampleRate: 16000, ChunkDurationMs: 50, Rate: 1,
	})
	require.NoError(t, err)

	got := drain(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, repositories.SynthesisFirstChunk, got[0].Kind)
	assert.Equal(t, repositories.SynthesisComplete, got[len(got)-1].Kind)

	var samples int
	for i, ev := range got[:len(got)-1] {
		assert.Equal(t, i, ev.Seq)
		samples += len(entities.DecodePCM16(ev.Audio))
	}
	// 20 chars at 10ms each
	assert.Equal(t, 3200, samples)
}

func TestMockSynthesizerCancel(t *testing.T) {
	synth := NewMockSynthesizer(MockConfig{PerChar: 50 * time.Millisecond, FirstChunkDelay: time.Hour}, nil, zaptest.NewLogger(t))

	id, events, err := synth.Synthesize(context.Background(), "Hello", repositories.SynthesisOptions{SampleRate: 16000})
	require.NoError(t, err)

	synth.Cancel(id)
	assert.Empty(t, drain(t, events))
	assert.Zero(t, synth.playbacks.len())
}

func TestMockSynthesizerRejectsEmptyText(t *testing.T) {
	synth := NewMockSynthesizer(DefaultMockConfig(), nil, zaptest.NewLogger(t))
	_, _, err := synth.Synthesize(context.Background(), " ", repositories.SynthesisOptions{SampleRate: 16000})
	assert.ErrorIs(t, err, repositories.ErrAdapterInit)
}

func TestToneFades(t *testing.T) {
	samples := tone(1600, 16000, 440, 0.5)
	require.Len(t, samples, 1600)
	assert.Zero(t, samples[0])
	for _, s := range samples {
		assert.LessOrEqual(t, s, float32(0.5))
		assert.GreaterOrEqual(t, s, float32(-0.5))
	}
}
