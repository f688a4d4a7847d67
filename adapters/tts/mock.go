package tts

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
)

// MockConfig shapes the tone the mock synthesizer renders
type MockConfig struct {
	PerChar   time.Duration
	Frequency float64
	Amplitude float64
	// FirstChunkDelay simulates time to first audio
	FirstChunkDelay time.Duration
	// Pace scales the wait between chunks relative to their duration; 0 streams
	// as fast as the consumer reads
	Pace float64
}

func DefaultMockConfig() MockConfig {
	return MockConfig{
		PerChar:         55 * time.Millisecond,
		Frequency:       220,
		Amplitude:       0.2,
		FirstChunkDelay: 120 * time.Millisecond,
		Pace:            0.5,
	}
}

// MockSynthesizer renders a sine tone whose length follows the text, so the
// whole playback path works offline
type MockSynthesizer struct {
	cfg       MockConfig
	clock     clock.Clock
	logger    *zap.Logger
	playbacks *registry
}

var _ repositories.Synthesizer = (*MockSynthesizer)(nil)

func NewMockSynthesizer(cfg MockConfig, clk clock.Clock, logger *zap.Logger) *MockSynthesizer {
	if clk == nil {
		clk = clock.New()
	}
	return &MockSynthesizer{
		cfg:       cfg,
		clock:     clk,
		logger:    logger.Named("tts.mock"),
		playbacks: newRegistry(),
	}
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string, opts repositories.SynthesisOptions) (string, <-chan repositories.SynthesisEvent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil, repositories.InitError(repositories.AdapterSynthesis, errors.New("text cannot be empty"))
	}
	if opts.SampleRate <= 0 {
		return "", nil, repositories.InitError(repositories.AdapterSynthesis, errors.New("sample rate must be positive"))
	}
	chunkMs := opts.ChunkDurationMs
	if chunkMs <= 0 {
		chunkMs = defaultChunkMs
	}

	rate := opts.Rate
	if rate <= 0 {
		rate = 1
	}
	length := time.Duration(float64(time.Duration(len(text))*m.cfg.PerChar) / rate)
	samples := tone(int(length.Seconds()*float64(opts.SampleRate)), opts.SampleRate, m.cfg.Frequency, m.cfg.Amplitude)
	chunkSamples := opts.SampleRate * chunkMs / 1000
	chunkDelay := time.Duration(float64(time.Duration(chunkMs)*time.Millisecond) * m.cfg.Pace)

	id := uuid.New().String()
	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan repositories.SynthesisEvent, 8)
	done := m.playbacks.add(id, cancel)

	go func() {
		defer close(done)
		defer m.playbacks.remove(id)
		defer cancel()
		defer close(out)

		delay := m.cfg.FirstChunkDelay
		seq := 0
		for start := 0; start < len(samples); start += chunkSamples {
			if !m.sleep(streamCtx, delay) {
				return
			}
			delay = chunkDelay

			end := min(start+chunkSamples, len(samples))
			kind := repositories.SynthesisChunk
			if seq == 0 {
				kind = repositories.SynthesisFirstChunk
			}
			ev := repositories.SynthesisEvent{Kind: kind, PlaybackID: id, Seq: seq, Audio: entities.EncodePCM16(samples[start:end])}
			select {
			case out <- ev:
			case <-streamCtx.Done():
				return
			}
			seq++
		}
		select {
		case out <- repositories.SynthesisEvent{Kind: repositories.SynthesisComplete, PlaybackID: id, Seq: seq}:
		case <-streamCtx.Done():
		}
	}()

	return id, out, nil
}

func (m *MockSynthesizer) Cancel(playbackID string) time.Duration {
	return m.playbacks.cancel(playbackID)
}

func (m *MockSynthesizer) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := m.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// tone renders n samples of a sine with short linear fades at both ends
func tone(n, sampleRate int, freq, amplitude float64) []float32 {
	out := make([]float32, n)
	fade := sampleRate / 100
	for i := range out {
		gain := amplitude
		if i < fade {
			gain *= float64(i) / float64(fade)
		} else if n-i < fade {
			gain *= float64(n-i) / float64(fade)
		}
		out[i] = float32(gain * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}
