package stt

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
)

// MockConfig tunes the energy gate of the mock recognizer
type MockConfig struct {
	VoiceThreshold float64
	EndSilence     time.Duration
	PartialEvery   time.Duration
}

func DefaultMockConfig() MockConfig {
	return MockConfig{
		VoiceThreshold: 0.02,
		EndSilence:     500 * time.Millisecond,
		PartialEvery:   200 * time.Millisecond,
	}
}

// MockRecognizer turns voiced stretches of audio into canned transcripts.
// Longer utterances map to longer sentences so every route can be exercised
// without a cloud account.
type MockRecognizer struct {
	cfg    MockConfig
	logger *zap.Logger

	mu          sync.Mutex
	callbacks   repositories.RecognitionCallbacks
	listening   bool
	voiced      time.Duration
	silence     time.Duration
	sincePart   time.Duration
	lastPartial string
}

var _ repositories.Recognizer = (*MockRecognizer)(nil)

func NewMockRecognizer(cfg MockConfig, logger *zap.Logger) *MockRecognizer {
	return &MockRecognizer{
		cfg:    cfg,
		logger: logger.Named("stt.mock"),
	}
}

func (m *MockRecognizer) Start(ctx context.Context, opts repositories.RecognitionOptions, callbacks repositories.RecognitionCallbacks) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listening {
		return ErrAlreadyListening
	}
	m.logger.Info("Starting mock recognition",
		zap.Int("sample_rate", opts.SampleRate),
		zap.String("encoding", opts.Encoding),
		zap.String("language", opts.Language))

	m.callbacks = callbacks
	m.listening = true
	m.resetLocked()
	if callbacks.OnStart != nil {
		callbacks.OnStart()
	}
	return nil
}

func (m *MockRecognizer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listening = false
	return nil
}

func (m *MockRecognizer) IsListening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening
}

func (m *MockRecognizer) PushAudio(frame entities.AudioFrame) error {
	m.mu.Lock()
	if !m.listening {
		m.mu.Unlock()
		return ErrNotListening
	}

	var partial, final string
	if rms(frame.Samples()) >= m.cfg.VoiceThreshold {
		m.voiced += frame.Duration
		m.sincePart += frame.Duration
		m.silence = 0
		if m.sincePart >= m.cfg.PartialEvery {
			m.sincePart = 0
			if p := prefix(script(m.voiced), m.voiced); p != m.lastPartial {
				m.lastPartial = p
				partial = p
			}
		}
	} else if m.voiced > 0 {
		m.silence += frame.Duration
		if m.silence >= m.cfg.EndSilence {
			final = script(m.voiced)
			m.resetLocked()
		}
	}
	callbacks := m.callbacks
	m.mu.Unlock()

	// callbacks run outside the lock; they may call back into the recognizer
	if partial != "" && callbacks.OnPartial != nil {
		callbacks.OnPartial(partial, 0.5)
	}
	if final != "" {
		m.logger.Debug("Mock transcript", zap.String("text", final))
		if callbacks.OnFinal != nil {
			callbacks.OnFinal(final, 0.9)
		}
	}
	return nil
}

func (m *MockRecognizer) resetLocked() {
	m.voiced = 0
	m.silence = 0
	m.sincePart = 0
	m.lastPartial = ""
}

// script picks a canned sentence from how long the user spoke
func script(voiced time.Duration) string {
	switch {
	case voiced > 3*time.Second:
		return "Can you explain why the sky looks blue during the day but red at sunset?"
	case voiced > 1500*time.Millisecond:
		return "What's the weather like today?"
	case voiced > 600*time.Millisecond:
		return "Hello there, how are you?"
	default:
		return "Hi"
	}
}

// prefix reveals roughly three words per second of speech
func prefix(sentence string, voiced time.Duration) string {
	words := strings.Fields(sentence)
	n := int(voiced.Seconds()*3) + 1
	if n > len(words) {
		n = len(words)
	}
	return strings.Join(words[:n], " ")
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
