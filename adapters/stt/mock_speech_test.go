package stt

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

func frame(t *testing.T, amplitude float32) entities.AudioFrame {
	t.Helper()
	samples := make([]float32, 1600)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	f, err := entities.NewAudioFrame(samples, 16000, entities.AudioSourceMic, time.Time{})
	require.NoError(t, err)
	return f
}

func TestMockRecognizerEmitsPartialsThenFinal(t *testing.T) {
	rec := NewMockRecognizer(DefaultMockConfig(), zaptest.NewLogger(t))

	var partials, finals []string
	err := rec.Start(context.Background(), repositories.RecognitionOptions{SampleRate: 16000, Encoding: "LINEAR16", Language: "en-US"},
		repositories.RecognitionCallbacks{
			OnPartial: func(text string, _ float64) { partials = append(partials, text) },
			OnFinal:   func(text string, _ float64) { finals = append(finals, text) },
		})
	require.NoError(t, err)
	assert.True(t, rec.IsListening())

	// 2s of speech, then 0.5s of silence
	for i := 0; i < 20; i++ {
		require.NoError(t, rec.PushAudio(frame(t, 0.3)))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, rec.PushAudio(frame(t, 0)))
	}

	require.Len(t, finals, 1)
	assert.Equal(t, "What's the weather like today?", finals[0])
	require.NotEmpty(t, partials)
	for i := 1; i < len(partials); i++ {
		assert.Greater(t, len(partials[i]), len(partials[i-1]))
	}

	require.NoError(t, rec.Stop())
	assert.ErrorIs(t, rec.PushAudio(frame(t, 0.3)), ErrNotListening)
}

func TestMockRecognizerIgnoresSilence(t *testing.T) {
	rec := NewMockRecognizer(DefaultMockConfig(), zaptest.NewLogger(t))
	called := false
	require.NoError(t, rec.Start(context.Background(), repositories.RecognitionOptions{}, repositories.RecognitionCallbacks{
		OnFinal: func(string, float64) { called = true },
	}))

	for i := 0; i < 30; i++ {
		require.NoError(t, rec.PushAudio(frame(t, 0.001)))
	}
	assert.False(t, called)
	assert.ErrorIs(t, rec.Start(context.Background(), repositories.RecognitionOptions{}, repositories.RecognitionCallbacks{}), ErrAlreadyListening)
}
