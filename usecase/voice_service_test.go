package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/tutur/adapters"
	"github.com/satriahrh/tutur/adapters/llm"
	"github.com/satriahrh/tutur/adapters/stt"
	"github.com/satriahrh/tutur/adapters/tts"
	"github.com/satriahrh/tutur/domain"
	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
	"github.com/satriahrh/tutur/internal/metrics"
	"github.com/satriahrh/tutur/internal/pipeline"
	"github.com/satriahrh/tutur/internal/router"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) has(t domain.EventType) bool {
	for _, got := range r.types() {
		if got == t {
			return true
		}
	}
	return false
}

type fixture struct {
	service  *VoiceService
	sessions *adapters.MemorySessionRepository
	tracker  *metrics.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clk := clock.New()

	gen := llm.NewMockGenerator(llm.MockConfig{Reply: "Doing well, thanks."}, clk, logger)
	synth := tts.NewMockSynthesizer(tts.MockConfig{PerChar: 5 * time.Millisecond, Frequency: 220, Amplitude: 0.2}, clk, logger)

	f := &fixture{
		sessions: adapters.NewMemorySessionRepository(clk),
		tracker:  metrics.NewTracker(metrics.DefaultConfig(), clk),
	}
	svc, err := NewVoiceService(VoiceServiceConfig{
		Pipeline:          pipeline.DefaultConfig(),
		AckCacheSize:      16,
		HeartbeatInterval: time.Hour,
	}, Providers{
		NewRecognizer: func() repositories.Recognizer {
			return stt.NewMockRecognizer(stt.DefaultMockConfig(), logger)
		},
		Generators: map[entities.Route]repositories.Generator{
			entities.RouteFastLocal:      gen,
			entities.RouteReasoningLocal: gen,
		},
		Synthesizer: synth,
	}, Shared{
		Sessions: f.sessions,
		Router:   router.New(router.DefaultConfig(), clk, logger),
		Tracker:  f.tracker,
		Clock:    clk,
	}, logger)
	require.NoError(t, err)
	f.service = svc
	return f
}

func speech(t *testing.T, amplitude float32, d time.Duration) []entities.AudioFrame {
	t.Helper()
	var frames []entities.AudioFrame
	for elapsed := time.Duration(0); elapsed < d; elapsed += 100 * time.Millisecond {
		samples := make([]float32, 1600)
		for i := range samples {
			samples[i] = amplitude
			if i%2 == 1 {
				samples[i] = -amplitude
			}
		}
		frame, err := entities.NewAudioFrame(samples, 16000, entities.AudioSourceMic, time.Now())
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	return frames
}

func TestOpenEmitsSessionReadyFirst(t *testing.T) {
	f := newFixture(t)
	events := &recorder{}

	vs, err := f.service.Open(context.Background(), "device-1", SessionOptions{PrivacyLevel: entities.PrivacyStrict}, events)
	require.NoError(t, err)
	vs.Start(context.Background())
	defer vs.Close(context.Background(), true)

	require.NotEmpty(t, events.types())
	first := events.events[0]
	assert.Equal(t, domain.EventSessionReady, first.Type)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, vs.ID(), first.SessionID)

	payload, ok := first.Payload.(domain.SessionPayload)
	require.True(t, ok)
	assert.False(t, payload.Resumed)
	assert.Equal(t, entities.PrivacyStrict, payload.Session.Metadata.PrivacyLevel)
	assert.Equal(t, 1, f.tracker.Snapshot().ActiveSessions)
}

func TestOpenRejectsInvalidOptions(t *testing.T) {
	f := newFixture(t)
	for _, opts := range []SessionOptions{
		{SampleRate: 4000},
		{Rate: 3},
		{PrivacyLevel: "paranoid"},
	} {
		_, err := f.service.Open(context.Background(), "device-1", opts, &recorder{})
		assert.ErrorIs(t, err, ErrInvalidOptions)
	}
}

func TestCloseWithoutTerminateAllowsResume(t *testing.T) {
	f := newFixture(t)

	first, err := f.service.Open(context.Background(), "device-1", SessionOptions{}, &recorder{})
	require.NoError(t, err)
	first.Start(context.Background())
	require.NoError(t, first.Close(context.Background(), false))

	events := &recorder{}
	second, err := f.service.Open(context.Background(), "device-1", SessionOptions{}, events)
	require.NoError(t, err)
	second.Start(context.Background())
	defer second.Close(context.Background(), true)

	assert.True(t, second.Resumed())
	assert.Equal(t, first.ID(), second.ID())
}

func TestTerminatedSessionIsNotResumed(t *testing.T) {
	f := newFixture(t)

	first, err := f.service.Open(context.Background(), "device-1", SessionOptions{}, &recorder{})
	require.NoError(t, err)
	first.Start(context.Background())
	require.NoError(t, first.Close(context.Background(), true))

	stored, err := f.sessions.GetByID(context.Background(), first.ID())
	require.NoError(t, err)
	assert.Equal(t, entities.SessionStatusTerminated, stored.Status)

	second, err := f.service.Open(context.Background(), "device-1", SessionOptions{}, &recorder{})
	require.NoError(t, err)
	defer second.Close(context.Background(), true)
	assert.False(t, second.Resumed())
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestSpokenTurnIsPersisted(t *testing.T) {
	f := newFixture(t)
	events := &recorder{}

	vs, err := f.service.Open(context.Background(), "device-1", SessionOptions{}, events)
	require.NoError(t, err)
	vs.Start(context.Background())
	defer vs.Close(context.Background(), true)

	for _, frame := range speech(t, 0.3, 800*time.Millisecond) {
		require.NoError(t, vs.PushAudio(frame))
	}
	for _, frame := range speech(t, 0, 600*time.Millisecond) {
		require.NoError(t, vs.PushAudio(frame))
	}

	require.Eventually(t, func() bool { return events.has(domain.EventSTTFinal) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return events.has(domain.EventTTSEnd) }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		stored, err := f.sessions.GetByID(context.Background(), vs.ID())
		return err == nil && stored.TurnCount == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEveryUtteranceYieldsFinalAfterOpenContextEnds(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 20; i++ {
		events := &recorder{}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		vs, err := f.service.Open(ctx, fmt.Sprintf("device-%d", i), SessionOptions{}, events)
		cancel()
		require.NoError(t, err)
		vs.Start(context.Background())

		for _, frame := range speech(t, 0.3, time.Second) {
			require.NoError(t, vs.PushAudio(frame))
		}
		for _, frame := range speech(t, 0, 700*time.Millisecond) {
			require.NoError(t, vs.PushAudio(frame))
		}

		require.Eventually(t, func() bool { return events.has(domain.EventSTTFinal) }, 5*time.Second, 10*time.Millisecond,
			"session %d lost its final transcript", i)
		require.NoError(t, vs.Close(context.Background(), true))
	}
}

func TestPongUsesSessionSequence(t *testing.T) {
	f := newFixture(t)
	events := &recorder{}

	vs, err := f.service.Open(context.Background(), "device-1", SessionOptions{}, events)
	require.NoError(t, err)
	vs.Start(context.Background())
	defer vs.Close(context.Background(), true)

	vs.Pong("abc")
	types := events.types()
	require.Len(t, types, 2)
	assert.Equal(t, domain.EventPong, types[1])
	assert.Equal(t, uint64(2), events.events[1].Seq)
}
