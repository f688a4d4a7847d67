// Package pipeline runs one voice session: recognition, routing, generation,
// phrase splitting, synthesis and playback, driven by a single event loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/tutur/domain"
	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
	"github.com/satriahrh/tutur/internal/ack"
	"github.com/satriahrh/tutur/internal/aec"
	"github.com/satriahrh/tutur/internal/jitter"
	"github.com/satriahrh/tutur/internal/splitter"
)

var (
	ErrQueueFull      = errors.New("pipeline queue full")
	ErrNoGenerator    = errors.New("no generator for route")
	ErrPhraseOverflow = errors.New("phrase queue full")
)

// Coordinator owns the turn state machine of one session. All state is
// mutated by the loop started in Run; the exported methods only post events
// or read atomics.
type Coordinator struct {
	cfg    Config
	deps   Deps
	clock  clock.Clock
	logger *zap.Logger

	emitter   *sequencedEmitter
	sink      *playbackSink
	player    *jitter.Scheduler
	canceller *aec.Canceller
	detector  *aec.Detector
	ackFetch  ack.FetchFunc

	audio       chan entities.AudioFrame
	recognition chan Event
	generation  chan Event
	synthesis   chan Event
	control     chan Event

	turns     *arena
	current   TurnRef
	pending   []Event
	lastFinal entities.TranscriptEvent
	ackCount  int

	state      atomic.Int32
	playbackID atomic.Value
	running    atomic.Bool

	runCtx  context.Context
	workers sync.WaitGroup

	// life bounds recognition; it ends with Run or StopRecognition
	life    context.Context
	endLife context.CancelFunc
}

// New validates cfg and deps and wires the playback scheduler and echo
// canceller for the session
func New(cfg Config, deps Deps, logger *zap.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline deps: %w", err)
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = ack.DefaultCatalog()
	}
	logger = logger.Named("pipeline").With(zap.String("session_id", cfg.SessionID))

	c := &Coordinator{
		cfg:         cfg,
		deps:        deps,
		clock:       deps.Clock,
		logger:      logger,
		canceller:   aec.NewCanceller(cfg.Canceller),
		detector:    aec.NewDetector(cfg.Detector),
		audio:       make(chan entities.AudioFrame, cfg.QueueSize),
		recognition: make(chan Event, cfg.QueueSize),
		generation:  make(chan Event, cfg.QueueSize),
		synthesis:   make(chan Event, cfg.QueueSize),
		control:     make(chan Event, cfg.QueueSize),
		turns:       newArena(cfg.ArenaSize),
		runCtx:      context.Background(),
	}
	c.life, c.endLife = context.WithCancel(context.Background())
	c.playbackID.Store("")
	c.emitter = newSequencedEmitter(cfg.SessionID, c.clock, deps.Emitter)
	c.sink = newPlaybackSink(c.emitter, cfg.Metadata.SampleRate)
	c.player = jitter.NewScheduler(cfg.Playback, c.sink, logger,
		jitter.WithReference(c.canceller),
		jitter.WithClock(c.clock),
	)
	if deps.AckCache != nil {
		c.ackFetch = ack.SynthesizerFetch(deps.Synthesizer, c.synthesisOptions())
	}
	return c, nil
}

// Run drives the event loop and the playback clock until ctx is done
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("pipeline already running")
	}
	defer c.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	c.runCtx = ctx

	g.Go(func() error {
		return c.player.Run(ctx)
	})
	g.Go(func() error {
		return c.loop(ctx)
	})

	err := g.Wait()
	c.endLife()
	c.shutdown()
	c.workers.Wait()
	return err
}

// StartRecognition opens the recognizer stream; results are posted to the
// loop. ctx only gates the open: the stream lives until StopRecognition or
// the end of Run.
func (c *Coordinator) StartRecognition(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return adapterError(repositories.AdapterRecognition, repositories.ErrorKindInit, err)
	}
	life := c.life
	opts := repositories.RecognitionOptions{
		SampleRate: c.cfg.Metadata.SampleRate,
		Encoding:   "LINEAR16",
		Language:   c.cfg.Metadata.Language,
	}
	callbacks := repositories.RecognitionCallbacks{
		OnStart: func() {
			c.logger.Debug("Recognition started")
		},
		OnPartial: func(text string, confidence float64) {
			c.postTranscript(life, EventPartialTranscript, text, confidence)
		},
		OnFinal: func(text string, confidence float64) {
			c.postTranscript(life, EventFinalTranscript, text, confidence)
		},
		OnError: func(err error) {
			c.post(life, c.recognition, Event{
				Kind: EventAdapterError,
				Err:  adapterError(repositories.AdapterRecognition, repositories.ErrorKindTransient, err),
			})
		},
	}
	if err := c.deps.Recognizer.Start(life, opts, callbacks); err != nil {
		return adapterError(repositories.AdapterRecognition, repositories.ErrorKindInit, err)
	}
	return nil
}

// StopRecognition closes the recognizer stream and releases callbacks still
// waiting on the loop
func (c *Coordinator) StopRecognition() error {
	c.endLife()
	return c.deps.Recognizer.Stop()
}

// PushAudio queues a captured microphone frame. It never blocks; a full
// queue drops the frame.
func (c *Coordinator) PushAudio(frame entities.AudioFrame) error {
	select {
	case c.audio <- frame:
		return nil
	default:
		c.logger.Warn("Audio queue full, dropping frame", zap.Duration("duration", frame.Duration))
		return ErrQueueFull
	}
}

// Recalibrate asks the loop to reset the echo canceller
func (c *Coordinator) Recalibrate() {
	select {
	case c.control <- Event{Kind: EventRecalibrate, At: c.clock.Now()}:
	default:
		c.logger.Warn("Control queue full, dropping recalibration")
	}
}

// Emit sends a session-level event, such as session.ready or pong, through
// the session's ordered event stream
func (c *Coordinator) Emit(ev domain.Event) {
	c.emitter.Emit(ev)
}

// State returns the current turn state
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// CurrentPlaybackID returns the active playback, or "" when nothing plays
func (c *Coordinator) CurrentPlaybackID() string {
	id, _ := c.playbackID.Load().(string)
	return id
}

// EchoStats returns the canceller's current metrics
func (c *Coordinator) EchoStats() aec.Stats {
	return c.canceller.Stats()
}

// Player exposes the playback scheduler
func (c *Coordinator) Player() *jitter.Scheduler {
	return c.player
}

func (c *Coordinator) loop(ctx context.Context) error {
	for {
		// control events are handled before anything else that is ready
		select {
		case ev := <-c.control:
			c.dispatch(ev)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.control:
			c.dispatch(ev)
		case frame := <-c.audio:
			c.dispatch(Event{Kind: EventAudioFrame, Frame: frame, At: frame.Timestamp})
		case ev := <-c.recognition:
			c.dispatch(ev)
		case ev := <-c.generation:
			c.dispatch(ev)
		case ev := <-c.synthesis:
			c.dispatch(ev)
		}
	}
}

// dispatch handles ev and then every follow-up event its effects queued
func (c *Coordinator) dispatch(ev Event) {
	c.pending = append(c.pending, ev)
	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]
		c.handle(next)
	}
	c.pending = c.pending[:0]
}

func (c *Coordinator) enqueue(ev Event) {
	if ev.At.IsZero() {
		ev.At = c.clock.Now()
	}
	c.pending = append(c.pending, ev)
}

func (c *Coordinator) handle(ev Event) {
	if ev.Kind == EventRecalibrate {
		c.canceller.Reset()
		c.detector.Reset()
		c.logger.Info("Echo canceller recalibrated")
		return
	}

	if !ev.Turn.IsZero() && ev.Turn != c.current {
		c.logger.Debug("Discarding event for finished turn",
			zap.Stringer("event", ev.Kind),
			zap.Int("slot", ev.Turn.Slot),
			zap.Uint64("gen", ev.Turn.Gen),
		)
		return
	}

	if ev.Kind == EventFinalTranscript {
		if strings.TrimSpace(ev.Transcript.Text) == "" {
			c.logger.Debug("Ignoring empty final transcript")
			return
		}
		if !c.lastFinal.Timestamp.IsZero() && ev.Transcript.Timestamp.Before(c.lastFinal.Timestamp) {
			c.logger.Warn("Dropping out-of-order final transcript")
			return
		}
	}

	state := c.State()
	next, effects, err := Transition(state, ev.Kind)
	if err != nil {
		if ev.Kind == EventAdapterError {
			c.logger.Warn("Unhandled adapter error", zap.Error(ev.Err))
		} else {
			c.logger.Debug("Event ignored", zap.Stringer("state", state), zap.Stringer("event", ev.Kind))
		}
		return
	}

	c.state.Store(int32(next))
	if next != state {
		c.logger.Debug("State changed",
			zap.Stringer("from", state),
			zap.Stringer("to", next),
			zap.Stringer("event", ev.Kind),
		)
	}
	for _, effect := range effects {
		c.apply(effect, ev)
	}
}

func (c *Coordinator) currentTurn() *turnContext {
	tc, ok := c.turns.get(c.current)
	if !ok {
		return nil
	}
	return tc
}

func (c *Coordinator) apply(effect Effect, ev Event) {
	if effect == EffectStartTurn {
		c.startTurn(ev)
		return
	}
	if effect == EffectForwardAudio {
		c.forwardAudio(ev.Frame)
		return
	}
	if effect == EffectEmitError {
		c.emitError(ev.Err)
		return
	}

	tc := c.currentTurn()
	if tc == nil {
		c.logger.Debug("Effect without a live turn", zap.Stringer("effect", effect))
		return
	}

	switch effect {
	case EffectRecordPartial:
		tc.partial = ev.Transcript.Text
		if tc.turn.FirstPartialAt.IsZero() {
			tc.turn.FirstPartialAt = ev.At
		}
		c.emitter.Emit(domain.Event{
			Type:    domain.EventSTTPartial,
			TurnID:  tc.turn.ID,
			Payload: domain.TranscriptPayload{Text: ev.Transcript.Text, Confidence: ev.Transcript.Confidence},
		})
	case EffectMaybeAck:
		c.maybeAck(tc)
	case EffectPlayAck:
		if ev.Kind == EventAckReady {
			tc.ackAudio = entities.DecodePCM16(ev.Audio)
		}
		c.playAck(tc)
	case EffectRecordFinal:
		tc.final = ev.Transcript.Text
		tc.turn.FinalAt = ev.At
		c.lastFinal = ev.Transcript
		c.emitter.Emit(domain.Event{
			Type:    domain.EventSTTFinal,
			TurnID:  tc.turn.ID,
			Payload: domain.TranscriptPayload{Text: ev.Transcript.Text, Confidence: ev.Transcript.Confidence},
		})
	case EffectRouteAndGenerate:
		c.routeAndGenerate(tc)
	case EffectRecordFirstToken:
		tc.turn.FirstTokenAt = ev.At
	case EffectStopAck:
		tc.ack.Close()
	case EffectFeedSplitter:
		for _, chunk := range tc.splitter.Feed(ev.Text) {
			if err := c.dispatchPhrase(tc, chunk); err != nil {
				c.failTurn(tc, err)
				return
			}
		}
	case EffectFlushSplitter:
		if chunk, ok := tc.splitter.Flush(); ok {
			if err := c.dispatchPhrase(tc, chunk); err != nil {
				c.failTurn(tc, err)
			}
		}
	case EffectMarkGenerationDone:
		tc.genDone = true
		if tc.phrases != nil {
			close(tc.phrases)
			tc.phrases = nil
		}
	case EffectEmitDelta:
		c.emitter.Emit(domain.Event{
			Type:    domain.EventLLMDelta,
			TurnID:  tc.turn.ID,
			Payload: domain.DeltaPayload{Text: ev.Text},
		})
	case EffectRecordFirstAudio:
		c.beginPlayback(tc, ev)
	case EffectCrossfadeAck:
		if tc.ack.BeginCrossfade() {
			c.player.CrossfadeAck()
		}
	case EffectEnqueueAudio:
		c.enqueueAudio(tc, ev)
	case EffectMarkSegmentDone:
		tc.synthesized++
	case EffectMaybeFinish:
		c.maybeFinish(tc)
	case EffectFinalizeTurn:
		c.finishTurn(tc, entities.TurnOutcomeCompleted)
	case EffectCancelPlayback:
		c.cancelPlayback(tc, ev)
	case EffectDiscardTurn:
		c.finishTurn(tc, entities.TurnOutcomeCancelled)
	case EffectFailTurn:
		tc.turn.ErrorCount++
		c.finishTurn(tc, entities.TurnOutcomeFailed)
	default:
		c.logger.Warn("Unknown effect", zap.Stringer("effect", effect))
	}
}

func (c *Coordinator) startTurn(ev Event) {
	if tc := c.currentTurn(); tc != nil {
		// a previous turn that never finalized is superseded
		c.finishTurn(tc, entities.TurnOutcomeCancelled)
	}

	at := ev.At
	if at.IsZero() {
		at = c.clock.Now()
	}
	ref, tc := c.turns.alloc()
	tc.ctx, tc.cancel = context.WithCancel(c.runCtx)
	tc.turn = entities.NewTurn(c.cfg.SessionID, at)
	tc.splitter = splitter.New(c.cfg.Splitter)
	tc.ack = ack.NewFlow(c.cfg.Ack)
	tc.ackID = "ack-" + tc.turn.ID
	c.current = ref

	c.logger.Debug("Turn started", zap.String("turn_id", tc.turn.ID))
}

func (c *Coordinator) forwardAudio(frame entities.AudioFrame) {
	mic := frame.Samples()
	out := make([]float32, len(mic))
	stats := c.canceller.Process(mic, out)

	if c.detector.Observe(stats.OutputRMS, frame.Duration, c.playbackActive()) {
		c.enqueue(Event{Kind: EventBargeIn})
	}

	if !c.deps.Recognizer.IsListening() {
		return
	}
	cleaned, err := entities.NewAudioFrame(out, frame.SampleRate, entities.AudioSourceMic, frame.Timestamp)
	if err != nil {
		c.logger.Warn("Invalid audio frame", zap.Error(err))
		return
	}
	if err := c.deps.Recognizer.PushAudio(cleaned); err != nil {
		c.logger.Warn("Failed to forward audio to recognizer", zap.Error(err))
	}
}

func (c *Coordinator) playbackActive() bool {
	tc := c.currentTurn()
	return tc != nil && tc.playback != nil && tc.playback.State == entities.PlaybackActive
}

func (c *Coordinator) maybeAck(tc *turnContext) {
	if c.deps.AckCache == nil || c.ackFetch == nil {
		return
	}
	if !tc.ack.ShouldTrigger(tc.partial) || !tc.ack.Trigger() {
		return
	}

	phrase := c.cfg.Catalog.Select(ack.ClassifyIntent(tc.partial), c.ackCount)
	c.ackCount++
	key := ack.NewKey(c.cfg.Metadata.Voice, c.cfg.Metadata.Rate, phrase)
	ref, ctx := c.current, tc.ctx

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		audio, err := c.deps.AckCache.Get(ctx, key, phrase, c.ackFetch)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Failed to render filler", zap.String("phrase", phrase), zap.Error(err))
			}
			return
		}
		c.post(ctx, c.synthesis, Event{Kind: EventAckReady, Turn: ref, Audio: audio})
	}()
}

// playAck starts the filler once its audio is ready and the user has finished
// speaking, unless the response already began
func (c *Coordinator) playAck(tc *turnContext) {
	if len(tc.ackAudio) == 0 || tc.final == "" {
		return
	}
	if !tc.ack.Start() {
		return
	}
	c.sink.register(tc.ackID, tc.turn.ID)
	c.player.PlayAck(tc.ackID, tc.ackAudio)
}

func (c *Coordinator) routeAndGenerate(tc *turnContext) {
	req := routerRequest(tc.final, c.cfg.Metadata, c.deps.Generators)
	decision := c.deps.Router.Decide(req)
	route, gen := c.generatorFor(decision)

	tc.decision = decision
	tc.turn.Route = route
	c.logger.Info("Turn routed",
		zap.String("turn_id", tc.turn.ID),
		zap.String("route", string(route)),
		zap.String("reason", decision.Reason),
		zap.Float64("confidence", decision.Confidence),
	)
	c.emitter.Emit(domain.Event{
		Type:    domain.EventTurnRoute,
		TurnID:  tc.turn.ID,
		Payload: domain.RoutePayload{Decision: decision},
	})

	if gen == nil {
		c.enqueue(Event{
			Kind: EventAdapterError,
			Turn: c.current,
			Err:  adapterError(repositories.AdapterGeneration, repositories.ErrorKindInit, fmt.Errorf("%w: %s", ErrNoGenerator, decision.Route)),
		})
		return
	}

	tc.phrases = make(chan entities.PhraseChunk, c.cfg.PhraseBuffer)
	ref := c.current
	c.workers.Add(2)
	go c.synthesize(tc.ctx, ref, tc.phrases)
	go c.generate(tc.ctx, ref, gen, tc.final)
}

// generatorFor picks the decided route's generator, falling back in order
func (c *Coordinator) generatorFor(decision entities.RouteDecision) (entities.Route, repositories.Generator) {
	candidates := append([]entities.Route{decision.Route}, decision.Fallbacks...)
	for _, route := range candidates {
		if gen, ok := c.deps.Generators[route]; ok && gen != nil {
			if route != decision.Route {
				c.logger.Warn("Route has no generator, using fallback",
					zap.String("route", string(decision.Route)),
					zap.String("fallback", string(route)),
				)
			}
			return route, gen
		}
	}
	return decision.Route, nil
}

// dispatchPhrase hands chunk to the synthesis worker. A full queue fails the
// turn rather than dropping text.
func (c *Coordinator) dispatchPhrase(tc *turnContext, chunk entities.PhraseChunk) error {
	if tc.phrases == nil {
		return nil
	}
	if tc.playback == nil {
		tc.playback = entities.NewPlaybackSession(tc.turn.ID)
	}
	select {
	case tc.phrases <- chunk:
		tc.dispatched++
		return nil
	default:
		return fmt.Errorf("%w: phrase %d with %d queued", ErrPhraseOverflow, chunk.Seq, len(tc.phrases))
	}
}

// failTurn ends the live turn on an error raised by the loop itself
func (c *Coordinator) failTurn(tc *turnContext, err error) {
	c.emitError(err)
	tc.turn.ErrorCount++
	c.finishTurn(tc, entities.TurnOutcomeFailed)
	c.state.Store(int32(StateIdle))
}

func (c *Coordinator) beginPlayback(tc *turnContext, ev Event) {
	tc.turn.FirstAudioAt = ev.At
	if tc.playback == nil {
		tc.playback = entities.NewPlaybackSession(tc.turn.ID)
	}
	if err := tc.playback.Activate(); err != nil {
		c.logger.Warn("Failed to activate playback", zap.Error(err))
		return
	}
	c.sink.register(tc.playback.ID, tc.turn.ID)
	c.player.Begin(tc.playback.ID)
	c.playbackID.Store(tc.playback.ID)
	c.detector.Reset()
}

func (c *Coordinator) enqueueAudio(tc *turnContext, ev Event) {
	if tc.playback == nil || tc.playback.State != entities.PlaybackActive {
		return
	}
	tc.currentSynthesis = ev.PlaybackID
	samples := entities.DecodePCM16(ev.Audio)
	if !c.player.Enqueue(tc.playback.ID, samples, ev.Kind == EventSynthesisFirstChunk) {
		c.logger.Debug("Audio for inactive playback dropped", zap.String("playback_id", tc.playback.ID))
	}
}

// maybeFinish waits for playback to drain once every phrase is synthesized
func (c *Coordinator) maybeFinish(tc *turnContext) {
	if !tc.genDone || tc.synthesized < tc.dispatched || tc.finishing {
		return
	}
	tc.finishing = true

	ref := c.current
	if tc.playback != nil && tc.playback.State == entities.PlaybackActive {
		c.player.Finish(tc.playback.ID, func() {
			c.post(c.runCtx, c.control, Event{Kind: EventPlaybackEnded, Turn: ref})
		})
		return
	}
	c.enqueue(Event{Kind: EventPlaybackEnded, Turn: ref})
}

func (c *Coordinator) cancelPlayback(tc *turnContext, ev Event) {
	var cut time.Duration
	if pb := tc.playback; pb != nil && !pb.Terminal() {
		cut = c.player.Cancel(pb.ID)
		if err := pb.Cancel(); err != nil {
			c.logger.Debug("Playback already terminal", zap.Error(err))
		}
	}
	c.player.StopAck()
	if tc.currentSynthesis != "" {
		if d := c.deps.Synthesizer.Cancel(tc.currentSynthesis); d > cut {
			cut = d
		}
	}
	tc.cancel()
	c.playbackID.Store("")

	if !ev.At.IsZero() {
		if d := c.clock.Since(ev.At); d > cut {
			cut = d
		}
	}
	tc.turn.BargeInCut = cut
	c.logger.Info("Barge-in cut playback",
		zap.String("turn_id", tc.turn.ID),
		zap.Duration("cut", tc.turn.BargeInCut),
	)
}

// finishTurn closes the turn, releases its slot and records its metrics
func (c *Coordinator) finishTurn(tc *turnContext, outcome entities.TurnOutcome) {
	tc.cancel()
	if pb := tc.playback; pb != nil && !pb.Terminal() {
		if outcome == entities.TurnOutcomeCompleted {
			_ = pb.End()
		} else {
			c.player.Cancel(pb.ID)
			_ = pb.Cancel()
		}
	}
	if outcome != entities.TurnOutcomeCompleted {
		c.player.StopAck()
	}
	tc.ack.Finish()
	c.sink.forget(tc.ackID)
	c.playbackID.Store("")

	tc.turn.Outcome = outcome
	tc.turn.EndedAt = c.clock.Now()
	turn := tc.turn

	c.turns.release(c.current)
	c.current = TurnRef{}
	c.recordTurn(turn)
}

func (c *Coordinator) recordTurn(turn entities.Turn) {
	timedOut := c.checkTargets(turn)

	if turn.Route != "" && !turn.FinalAt.IsZero() {
		c.deps.Router.Record(routerOutcome(turn, timedOut))
	}
	if c.deps.Tracker != nil {
		c.deps.Tracker.RecordTurn(turn)
	}
	if c.deps.Exporter != nil {
		c.deps.Exporter.Export(turn.Record())
	}
	if c.deps.OnTurnFinished != nil {
		c.deps.OnTurnFinished(turn)
	}

	c.logger.Info("Turn finished",
		zap.String("turn_id", turn.ID),
		zap.String("outcome", string(turn.Outcome)),
		zap.String("route", string(turn.Route)),
		zap.Duration("ttft", turn.TTFT()),
		zap.Duration("ttfa", turn.TTFA()),
		zap.Duration("total", turn.Total()),
	)
}

// checkTargets logs every phase over its soft budget
func (c *Coordinator) checkTargets(turn entities.Turn) bool {
	if turn.Outcome != entities.TurnOutcomeCompleted {
		return false
	}
	phases := []struct {
		name   string
		value  time.Duration
		target time.Duration
	}{
		{"ttft", turn.TTFT(), c.cfg.Targets.TTFT},
		{"ttfa", turn.TTFA(), c.cfg.Targets.TTFA},
		{"total", turn.Total(), c.cfg.Targets.Total},
	}
	var over bool
	for _, p := range phases {
		if p.target > 0 && p.value > p.target {
			over = true
			c.logger.Warn("Soft timeout exceeded",
				zap.String("turn_id", turn.ID),
				zap.String("phase", p.name),
				zap.Duration("value", p.value),
				zap.Duration("target", p.target),
			)
		}
	}
	return over
}

func (c *Coordinator) emitError(err error) {
	code := "pipeline_error"
	var ae *repositories.AdapterError
	switch {
	case errors.As(err, &ae):
		code = fmt.Sprintf("%s_%s", ae.Adapter, ae.Kind)
	case errors.Is(err, ErrPhraseOverflow):
		code = "phrase_overflow"
	}
	c.logger.Error("Turn error", zap.String("code", code), zap.Error(err))

	var turnID string
	if tc := c.currentTurn(); tc != nil {
		turnID = tc.turn.ID
	}
	c.emitter.Emit(domain.Event{
		Type:    domain.EventError,
		TurnID:  turnID,
		Payload: domain.ErrorPayload{Code: code, Message: c.cfg.FallbackMessage},
	})
}

// shutdown discards the live turn when the session ends
func (c *Coordinator) shutdown() {
	tc := c.currentTurn()
	if tc == nil {
		return
	}
	if tc.final == "" {
		// nothing was said yet, so there is no turn worth recording
		tc.cancel()
		c.turns.release(c.current)
		c.current = TurnRef{}
	} else {
		c.finishTurn(tc, entities.TurnOutcomeCancelled)
	}
	c.state.Store(int32(StateIdle))
}

func (c *Coordinator) post(ctx context.Context, ch chan<- Event, ev Event) bool {
	if ev.At.IsZero() {
		ev.At = c.clock.Now()
	}
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) postTranscript(ctx context.Context, kind EventKind, text string, confidence float64) {
	now := c.clock.Now()
	c.post(ctx, c.recognition, Event{
		Kind: kind,
		At:   now,
		Transcript: entities.TranscriptEvent{
			Text:       text,
			Confidence: confidence,
			IsFinal:    kind == EventFinalTranscript,
			Timestamp:  now,
		},
	})
}

func (c *Coordinator) synthesisOptions() repositories.SynthesisOptions {
	return repositories.SynthesisOptions{
		Voice:           c.cfg.Metadata.Voice,
		Rate:            c.cfg.Metadata.Rate,
		ChunkDurationMs: c.cfg.ChunkDurationMs,
		SampleRate:      c.cfg.Metadata.SampleRate,
	}
}

// adapterError keeps an adapter's own classification and wraps anything else
func adapterError(adapter repositories.AdapterKind, kind repositories.ErrorKind, err error) error {
	var ae *repositories.AdapterError
	if errors.As(err, &ae) {
		return err
	}
	if kind == repositories.ErrorKindInit {
		return repositories.InitError(adapter, err)
	}
	return repositories.TransientError(adapter, err)
}
