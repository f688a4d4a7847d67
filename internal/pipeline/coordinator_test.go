package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/tutur/domain"
	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
	"github.com/satriahrh/tutur/internal/ack"
	"github.com/satriahrh/tutur/internal/metrics"
	"github.com/satriahrh/tutur/internal/router"
)

type fakeRecognizer struct {
	mu        sync.Mutex
	callbacks repositories.RecognitionCallbacks
	listening bool
	frames    int
}

func (r *fakeRecognizer) Start(ctx context.Context, opts repositories.RecognitionOptions, cb repositories.RecognitionCallbacks) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = cb
	r.listening = true
	return nil
}

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listening = false
	return nil
}

func (r *fakeRecognizer) PushAudio(frame entities.AudioFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames++
	return nil
}

func (r *fakeRecognizer) IsListening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listening
}

func (r *fakeRecognizer) partial(text string) {
	r.mu.Lock()
	cb := r.callbacks
	r.mu.Unlock()
	cb.OnPartial(text, 0.8)
}

func (r *fakeRecognizer) final(text string) {
	r.mu.Lock()
	cb := r.callbacks
	r.mu.Unlock()
	cb.OnFinal(text, 0.95)
}

type fakeGenerator struct {
	response string
	err      error
	release  chan struct{}
}

func (g *fakeGenerator) GenerateStreaming(ctx context.Context, text string, cfg repositories.GenerationConfig) (<-chan repositories.GenerationEvent, error) {
	if g.err != nil {
		return nil, g.err
	}
	words := strings.Fields(g.response)
	out := make(chan repositories.GenerationEvent, len(words)+1)
	go func() {
		defer close(out)
		if g.release != nil {
			select {
			case <-g.release:
			case <-ctx.Done():
				return
			}
		}
		for i, w := range words {
			ev := repositories.GenerationEvent{Kind: repositories.GenerationDelta, Text: " " + w}
			if i == 0 {
				ev = repositories.GenerationEvent{Kind: repositories.GenerationFirstToken, Text: w}
			}
			out <- ev
		}
		out <- repositories.GenerationEvent{Kind: repositories.GenerationComplete}
	}()
	return out, nil
}

type fakeSynthesizer struct {
	mu        sync.Mutex
	n         int
	texts     []string
	cancelled []string
}

const phraseSamples = 1600

func (s *fakeSynthesizer) Synthesize(ctx context.Context, text string, opts repositories.SynthesisOptions) (string, <-chan repositories.SynthesisEvent, error) {
	s.mu.Lock()
	s.n++
	id := fmt.Sprintf("syn-%d", s.n)
	s.texts = append(s.texts, text)
	s.mu.Unlock()

	half := make([]float32, phraseSamples/2)
	for i := range half {
		half[i] = 0.25
	}
	pcm := entities.EncodePCM16(half)

	out := make(chan repositories.SynthesisEvent, 3)
	out <- repositories.SynthesisEvent{Kind: repositories.SynthesisFirstChunk, PlaybackID: id, Seq: 0, Audio: pcm}
	out <- repositories.SynthesisEvent{Kind: repositories.SynthesisChunk, PlaybackID: id, Seq: 1, Audio: pcm}
	out <- repositories.SynthesisEvent{Kind: repositories.SynthesisComplete, PlaybackID: id}
	close(out)
	return id, out, nil
}

func (s *fakeSynthesizer) Cancel(playbackID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, playbackID)
	return 5 * time.Millisecond
}

func (s *fakeSynthesizer) synthesized() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// stallingSynthesizer never produces audio, so the phrase queue backs up
type stallingSynthesizer struct{}

func (stallingSynthesizer) Synthesize(ctx context.Context, text string, opts repositories.SynthesisOptions) (string, <-chan repositories.SynthesisEvent, error) {
	<-ctx.Done()
	return "", nil, ctx.Err()
}

func (stallingSynthesizer) Cancel(playbackID string) time.Duration { return 0 }

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Emit(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *eventRecorder) ofType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type blockingGate struct {
	word   string
	reason string
}

func (g blockingGate) FilterText(ctx context.Context, text string) repositories.PrivacyVerdict {
	if strings.Contains(strings.ToLower(text), g.word) {
		return repositories.PrivacyVerdict{Allowed: false, Reason: g.reason}
	}
	return repositories.PrivacyVerdict{Allowed: true}
}

type recordingMetricsSink struct {
	mu      sync.Mutex
	records []entities.TurnRecord
}

func (s *recordingMetricsSink) Export(ctx context.Context, rec entities.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingMetricsSink) exported() []entities.TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.TurnRecord(nil), s.records...)
}

type harness struct {
	t        *testing.T
	clk      *clock.Mock
	rec      *fakeRecognizer
	gen      *fakeGenerator
	synth    *fakeSynthesizer
	events   *eventRecorder
	tracker  *metrics.Tracker
	sink     *recordingMetricsSink
	finished chan entities.Turn
	c        *Coordinator
}

func newHarness(t *testing.T, configure func(*Config, *Deps)) *harness {
	h := &harness{
		t:        t,
		clk:      clock.NewMock(),
		rec:      &fakeRecognizer{},
		gen:      &fakeGenerator{response: "Hi! How can I help you today?"},
		synth:    &fakeSynthesizer{},
		events:   &eventRecorder{},
		sink:     &recordingMetricsSink{},
		finished: make(chan entities.Turn, 16),
	}
	logger := zaptest.NewLogger(t)
	h.tracker = metrics.NewTracker(metrics.DefaultConfig(), h.clk)

	exporter := metrics.NewExporter(h.sink, 16, time.Second, logger)
	exportCtx, stopExport := context.WithCancel(context.Background())
	exported := make(chan struct{})
	go func() {
		defer close(exported)
		exporter.Run(exportCtx)
	}()
	t.Cleanup(func() {
		stopExport()
		<-exported
	})

	cfg := DefaultConfig()
	cfg.SessionID = "session-1"
	cfg.Metadata.Voice = "test-voice"
	deps := Deps{
		Recognizer: h.rec,
		Generators: map[entities.Route]repositories.Generator{
			entities.RouteFastLocal:      h.gen,
			entities.RouteReasoningLocal: h.gen,
		},
		Synthesizer: h.synth,
		Emitter:     h.events,
		Router:      router.New(router.DefaultConfig(), h.clk, logger),
		Tracker:     h.tracker,
		Exporter:    exporter,
		Clock:       h.clk,
		OnTurnFinished: func(turn entities.Turn) {
			h.finished <- turn
		},
	}
	if configure != nil {
		configure(&cfg, &deps)
	}

	c, err := New(cfg, deps, logger)
	require.NoError(t, err)
	h.c = c
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
	require.NoError(h.t, h.c.StartRecognition(ctx))
}

// tickUntil plays audio out block by block until cond holds
func (h *harness) tickUntil(cond func() bool, msg string) {
	require.Eventually(h.t, func() bool {
		h.c.Player().Tick()
		return cond()
	}, 2*time.Second, time.Millisecond, msg)
}

func (h *harness) waitTurn() entities.Turn {
	select {
	case turn := <-h.finished:
		return turn
	case <-time.After(2 * time.Second):
		h.t.Fatal("turn did not finish")
		return entities.Turn{}
	}
}

func loudFrame(t *testing.T, ts time.Time) entities.AudioFrame {
	samples := make([]float32, 320)
	for i := range samples {
		samples[i] = 0.5
		if i%2 == 1 {
			samples[i] = -0.5
		}
	}
	frame, err := entities.NewAudioFrame(samples, 16000, entities.AudioSourceMic, ts)
	require.NoError(t, err)
	return frame
}

func TestCoordinatorCompletesSimpleTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.rec.final("hello there")
	require.Eventually(t, func() bool {
		return h.c.State() == StateSpeaking && h.c.CurrentPlaybackID() != ""
	}, 2*time.Second, time.Millisecond)

	h.tickUntil(func() bool { return h.c.State() == StateIdle }, "turn should drain to idle")

	turn := h.waitTurn()
	assert.Equal(t, entities.TurnOutcomeCompleted, turn.Outcome)
	assert.Equal(t, entities.RouteFastLocal, turn.Route)
	assert.Empty(t, h.c.CurrentPlaybackID())
	assert.Equal(t, []string{"Hi! How can I help you today?"}, h.synth.synthesized())

	snap := h.tracker.Snapshot()
	assert.Equal(t, 1, snap.Turns)
	assert.Equal(t, 1, snap.Completed)

	require.Eventually(t, func() bool { return len(h.sink.exported()) > 0 }, 2*time.Second, time.Millisecond)
	records := h.sink.exported()
	require.Len(t, records, 1, "exactly one metrics record per turn")
	assert.Equal(t, turn.ID, records[0].TurnID)
	assert.Equal(t, "session-1", records[0].SessionID)

	routes := h.events.ofType(domain.EventTurnRoute)
	require.Len(t, routes, 1)
	decision := routes[0].Payload.(domain.RoutePayload).Decision
	assert.Equal(t, entities.RouteFastLocal, decision.Route)
	assert.Equal(t, 300*time.Millisecond, decision.EstimatedLatency)

	ends := h.events.ofType(domain.EventTTSEnd)
	require.Len(t, ends, 1)
	assert.False(t, ends[0].Payload.(domain.PlaybackPayload).Cancelled)

	var last uint64
	for _, ev := range h.events.all() {
		assert.Greater(t, ev.Seq, last, "sequence numbers strictly increase")
		last = ev.Seq
		assert.Equal(t, "session-1", ev.SessionID)
	}
}

func TestCoordinatorTranscriptsOutliveStartContext(t *testing.T) {
	h := newHarness(t, nil)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(runCtx) }()
	t.Cleanup(func() {
		stop()
		<-done
	})

	openCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	require.NoError(t, h.c.StartRecognition(openCtx))
	cancel()

	for i := 0; i < 50; i++ {
		h.rec.partial(fmt.Sprintf("word %d", i))
	}
	h.rec.final("hello there")

	require.Eventually(t, func() bool {
		return len(h.events.ofType(domain.EventSTTFinal)) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Len(t, h.events.ofType(domain.EventSTTPartial), 50)
}

func TestCoordinatorRejectsCancelledStartContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.c.StartRecognition(ctx)
	var ae *repositories.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, repositories.ErrorKindInit, ae.Kind)
	assert.False(t, h.rec.IsListening())
}

func TestCoordinatorBargeInCancelsPlayback(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		gen := &fakeGenerator{response: strings.Repeat("this is a long story about many things ", 6)}
		deps.Generators = map[entities.Route]repositories.Generator{
			entities.RouteFastLocal:      gen,
			entities.RouteReasoningLocal: gen,
		}
	})
	h.start()

	h.rec.final("tell me a story")
	require.Eventually(t, func() bool {
		return h.c.State() == StateSpeaking && h.c.CurrentPlaybackID() != ""
	}, 2*time.Second, time.Millisecond)

	for i := 0; i < 20; i++ {
		require.NoError(t, h.c.PushAudio(loudFrame(t, h.clk.Now())))
	}
	require.Eventually(t, func() bool { return h.c.State() == StateListening }, 2*time.Second, time.Millisecond)

	turn := h.waitTurn()
	assert.Equal(t, entities.TurnOutcomeCancelled, turn.Outcome)
	assert.Greater(t, turn.BargeInCut, time.Duration(0))
	assert.LessOrEqual(t, turn.BargeInCut, 120*time.Millisecond)
	assert.Empty(t, h.c.CurrentPlaybackID())

	ends := h.events.ofType(domain.EventTTSEnd)
	require.Len(t, ends, 1)
	assert.True(t, ends[0].Payload.(domain.PlaybackPayload).Cancelled)

	before := len(h.events.ofType(domain.EventTTSAudio))
	for i := 0; i < 20; i++ {
		h.c.Player().Tick()
	}
	assert.Len(t, h.events.ofType(domain.EventTTSAudio), before, "cancelled playback never resumes")
}

func TestCoordinatorAdapterErrorReturnsToIdle(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		gen := &fakeGenerator{err: errors.New("connection refused")}
		deps.Generators = map[entities.Route]repositories.Generator{entities.RouteFastLocal: gen}
	})
	h.start()

	h.rec.final("hello there")
	turn := h.waitTurn()
	assert.Equal(t, entities.TurnOutcomeFailed, turn.Outcome)
	assert.Equal(t, 1, turn.ErrorCount)
	assert.Equal(t, StateIdle, h.c.State())

	errs := h.events.ofType(domain.EventError)
	require.Len(t, errs, 1)
	payload := errs[0].Payload.(domain.ErrorPayload)
	assert.Equal(t, "generation_init", payload.Code)
	assert.Equal(t, "Sorry, something went wrong. Please try again.", payload.Message)
	assert.NotContains(t, payload.Message, "connection refused")
}

func TestCoordinatorFailsTurnWhenPhraseQueueOverflows(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		cfg.PhraseBuffer = 1
		gen := &fakeGenerator{response: words(100)}
		deps.Generators = map[entities.Route]repositories.Generator{
			entities.RouteFastLocal:      gen,
			entities.RouteReasoningLocal: gen,
		}
		deps.Synthesizer = stallingSynthesizer{}
	})
	h.start()

	h.rec.final("tell me everything")
	turn := h.waitTurn()
	assert.Equal(t, entities.TurnOutcomeFailed, turn.Outcome)
	assert.Equal(t, 1, turn.ErrorCount)
	assert.Equal(t, StateIdle, h.c.State())

	errs := h.events.ofType(domain.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "phrase_overflow", errs[0].Payload.(domain.ErrorPayload).Code)
	assert.Equal(t, turn.ID, errs[0].TurnID)
}

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func TestCoordinatorPrivacyGateReplacesPhrase(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		gen := &fakeGenerator{response: "The secret password is swordfish."}
		deps.Generators = map[entities.Route]repositories.Generator{entities.RouteFastLocal: gen}
		deps.PrivacyGate = blockingGate{word: "password", reason: "I can't share that."}
	})
	h.start()

	h.rec.final("what is the code")
	require.Eventually(t, func() bool { return h.c.State() == StateSpeaking }, 2*time.Second, time.Millisecond)
	h.tickUntil(func() bool { return h.c.State() == StateIdle }, "turn should finish")
	h.waitTurn()

	assert.Equal(t, []string{"I can't share that."}, h.synth.synthesized())
	deltas := h.events.ofType(domain.EventLLMDelta)
	require.Len(t, deltas, 1)
	assert.Equal(t, "I can't share that.", deltas[0].Payload.(domain.DeltaPayload).Text)
}

func TestCoordinatorPlaysAckAfterFinal(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		gen := &fakeGenerator{response: "It is sunny.", release: release}
		deps.Generators = map[entities.Route]repositories.Generator{
			entities.RouteFastLocal:      gen,
			entities.RouteReasoningLocal: gen,
		}
		deps.AckCache = ack.NewCache(16)
	})
	h.start()

	h.rec.partial("what is the weather")
	require.Eventually(t, func() bool { return len(h.synth.synthesized()) == 1 }, 2*time.Second, time.Millisecond)
	assert.False(t, h.c.Player().AckPlaying(), "filler waits for the final transcript")

	h.rec.final("what is the weather today")
	require.Eventually(t, h.c.Player().AckPlaying, 2*time.Second, time.Millisecond)
	assert.Contains(t, ack.DefaultCatalog().Phrases(), h.synth.synthesized()[0])

	close(release)
	h.tickUntil(func() bool { return h.c.State() == StateIdle }, "turn should finish")
	turn := h.waitTurn()
	assert.Equal(t, entities.TurnOutcomeCompleted, turn.Outcome)
	assert.Equal(t, entities.RouteReasoningLocal, turn.Route)

	for i := 0; i < 10; i++ {
		h.c.Player().Tick()
	}
	assert.False(t, h.c.Player().AckPlaying())
}

func TestCoordinatorDiscardsStaleEvents(t *testing.T) {
	h := newHarness(t, nil)

	frame, err := entities.NewAudioFrame(make([]float32, 320), 16000, entities.AudioSourceMic, h.clk.Now())
	require.NoError(t, err)
	h.c.dispatch(Event{Kind: EventAudioFrame, Frame: frame, At: frame.Timestamp})
	require.Equal(t, StateListening, h.c.State())

	live := h.c.current
	stale := TurnRef{Slot: live.Slot, Gen: live.Gen + 7}
	h.c.dispatch(Event{Kind: EventAdapterError, Turn: stale, Err: errors.New("late")})
	assert.Equal(t, StateListening, h.c.State())
	assert.Empty(t, h.events.ofType(domain.EventError))

	h.c.dispatch(Event{Kind: EventAdapterError, Turn: live, Err: errors.New("now")})
	assert.Equal(t, StateIdle, h.c.State())
	assert.Len(t, h.events.ofType(domain.EventError), 1)
}

func TestCoordinatorDropsOutOfOrderFinals(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		gen := &fakeGenerator{response: "ok", release: make(chan struct{})}
		deps.Generators = map[entities.Route]repositories.Generator{entities.RouteFastLocal: gen}
	})

	now := h.clk.Now()
	h.c.dispatch(Event{Kind: EventFinalTranscript, At: now, Transcript: entities.TranscriptEvent{Text: "first", IsFinal: true, Timestamp: now}})
	require.Equal(t, StateThinking, h.c.State())
	h.c.dispatch(Event{Kind: EventAdapterError, Turn: h.c.current, Err: errors.New("reset")})
	require.Equal(t, StateIdle, h.c.State())

	earlier := now.Add(-time.Second)
	h.c.dispatch(Event{Kind: EventFinalTranscript, At: earlier, Transcript: entities.TranscriptEvent{Text: "older", IsFinal: true, Timestamp: earlier}})
	assert.Equal(t, StateIdle, h.c.State())
	assert.Len(t, h.events.ofType(domain.EventSTTFinal), 1)
}

func TestPushAudioDropsWhenFull(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		cfg.QueueSize = 2
	})
	frame := loudFrame(t, h.clk.Now())
	require.NoError(t, h.c.PushAudio(frame))
	require.NoError(t, h.c.PushAudio(frame))
	assert.ErrorIs(t, h.c.PushAudio(frame), ErrQueueFull)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Playback.Buffer.SampleRate = 24000
	assert.ErrorContains(t, cfg.Validate(), "sample rates differ")

	cfg = DefaultConfig()
	cfg.Splitter.HardWords = 5
	assert.Error(t, cfg.Validate())

	_, err := New(DefaultConfig(), Deps{}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "recognizer is required")
}
