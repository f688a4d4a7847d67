package jitter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/internal/ack"
)

// Sink receives the playback stream as it is scheduled
type Sink interface {
	Begin(playbackID string)
	Active(playbackID string, active bool)
	Audio(playbackID string, seq int, pcm []byte)
	End(playbackID string, cancelled bool)
}

// Reference is told about every block right before it is handed to the sink
type Reference interface {
	NotifyReference(samples []float32)
}

// Config tunes the scheduler
type Config struct {
	Buffer BufferConfig
	// Block is the playback tick; one block of audio leaves per tick
	Block time.Duration
	// AckFade ramps a filler out when the response starts
	AckFade ack.Crossfade
}

// DefaultConfig returns 20ms blocks over the default buffer
func DefaultConfig() Config {
	return Config{
		Buffer:  DefaultBufferConfig(),
		Block:   20 * time.Millisecond,
		AckFade: ack.DefaultCrossfade(),
	}
}

func (c Config) Validate() error {
	if err := c.Buffer.Validate(); err != nil {
		return err
	}
	if c.Block <= 0 {
		return fmt.Errorf("playback block must be positive, got %v", c.Block)
	}
	return c.AckFade.Validate()
}

type Option func(*Scheduler)

// WithReference forwards every scheduled block to ref
func WithReference(ref Reference) Option {
	return func(s *Scheduler) {
		s.reference = ref
	}
}

// WithClock replaces the wall clock
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clk
	}
}

type stream struct {
	id      string
	buf     *Buffer
	seq     int
	active  bool
	drained func()
}

type filler struct {
	id      string
	samples []float32
	pos     int
	seq     int
	// fading is armed by CrossfadeAck; the ramp starts on the first response block
	fading  bool
	ramping bool
	faded   time.Duration
	window  time.Duration
}

// Scheduler mixes the filler and the response stream into fixed blocks
type Scheduler struct {
	cfg       Config
	sink      Sink
	reference Reference
	clock     clock.Clock
	logger    *zap.Logger
	block     int

	mu   sync.Mutex
	main *stream
	ack  *filler
}

func NewScheduler(cfg Config, sink Sink, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		sink:   sink,
		clock:  clock.New(),
		logger: logger,
		block:  samplesFor(cfg.Block, cfg.Buffer.SampleRate),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks the scheduler until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.Block)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

// PlayAck starts a filler immediately, replacing any filler still playing
func (s *Scheduler) PlayAck(id string, samples []float32) {
	if len(samples) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ack = &filler{id: id, samples: samples, window: s.cfg.AckFade.Window}
}

// StopAck drops the filler without a fade
func (s *Scheduler) StopAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ack = nil
}

// CrossfadeAck arms the filler fade-out. It starts with the first response block.
func (s *Scheduler) CrossfadeAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ack != nil {
		s.ack.fading = true
	}
}

// AckPlaying reports whether a filler is still audible
func (s *Scheduler) AckPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ack != nil
}

// Begin opens the response stream for playbackID, dropping any previous one
func (s *Scheduler) Begin(playbackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.main != nil {
		s.logger.Warn("Replacing unfinished playback",
			zap.String("previous", s.main.id),
			zap.String("playback_id", playbackID))
		s.closeMainLocked(true)
	}
	s.main = &stream{id: playbackID, buf: NewBuffer(s.cfg.Buffer)}
	s.sink.Begin(playbackID)
}

// Enqueue queues one synthesized chunk. Chunks for any playback other than
// the current one are dropped, so a cancelled playback never resumes.
func (s *Scheduler) Enqueue(playbackID string, samples []float32, newSegment bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.main == nil || s.main.id != playbackID {
		return false
	}
	s.main.buf.Push(samples, newSegment)
	return true
}

// Finish marks the end of the response; drained runs once the last block left
func (s *Scheduler) Finish(playbackID string, drained func()) {
	s.mu.Lock()
	if s.main == nil || s.main.id != playbackID {
		s.mu.Unlock()
		if drained != nil {
			drained()
		}
		return
	}
	s.main.buf.MarkEnd()
	s.main.drained = drained
	s.mu.Unlock()
}

// Cancel stops playbackID at once, discarding queued audio, and returns how
// long the stop took
func (s *Scheduler) Cancel(playbackID string) time.Duration {
	start := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ack = nil
	if s.main == nil || s.main.id != playbackID {
		return s.clock.Since(start)
	}
	dropped := s.main.buf.Flush()
	s.closeMainLocked(true)
	s.logger.Debug("Playback cancelled",
		zap.String("playback_id", playbackID),
		zap.Duration("dropped", dropped))
	return s.clock.Since(start)
}

// Buffered returns the queued response audio
func (s *Scheduler) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.main == nil {
		return 0
	}
	return s.main.buf.Buffered()
}

// Tick emits one block of mixed audio, if there is any to play
func (s *Scheduler) Tick() {
	var drained func()

	s.mu.Lock()
	var (
		mainSamples []float32
		id          string
		seq         int
	)
	if s.main != nil {
		mainSamples = s.main.buf.Pull(s.block)
		if len(mainSamples) > 0 {
			if !s.main.active {
				s.main.active = true
				s.sink.Active(s.main.id, true)
			}
			id = s.main.id
			seq = s.main.seq
			s.main.seq++
		}
	}

	mixed := mainSamples
	if s.ack != nil {
		mixed = s.mixAckLocked(mainSamples)
		if id == "" && len(mixed) > 0 {
			id = s.ack.id
			seq = s.ack.seq
			s.ack.seq++
		}
		// a fade whose response already ended has nothing left to fade into
		if s.ack.done() || (s.ack.ramping && s.main == nil) {
			s.ack = nil
		}
	}

	if len(mixed) > 0 {
		if s.reference != nil {
			s.reference.NotifyReference(mixed)
		}
		s.sink.Audio(id, seq, entities.EncodePCM16(mixed))
	}

	if s.main != nil && s.main.buf.Drained() {
		drained = s.main.drained
		s.closeMainLocked(false)
	}
	s.mu.Unlock()

	if drained != nil {
		drained()
	}
}

// mixAckLocked overlays the filler on the response block. Once armed, the
// fade starts with the first response block and the response ramps in from
// silence.
func (s *Scheduler) mixAckLocked(main []float32) []float32 {
	f := s.ack
	n := len(main)
	if n == 0 {
		if f.ramping {
			// response paused mid-fade: keep the filler silent rather than bringing it back
			return nil
		}
		n = min(s.block, len(f.samples)-f.pos)
	}
	out := make([]float32, n)

	if f.fading && len(main) > 0 {
		f.ramping = true
	}
	step := time.Second / time.Duration(s.cfg.Buffer.SampleRate)
	for i := 0; i < n; i++ {
		ackGain, respGain := 1.0, 1.0
		if f.ramping {
			ackGain, respGain = s.cfg.AckFade.Gains(f.faded)
			f.faded += step
		}
		var a float32
		if f.pos < len(f.samples) {
			a = f.samples[f.pos]
			f.pos++
		}
		var m float32
		if i < len(main) {
			m = main[i]
		}
		out[i] = a*float32(ackGain) + m*float32(respGain)
	}
	return out
}

func (f *filler) done() bool {
	return f.pos >= len(f.samples) || (f.ramping && f.faded >= f.window)
}

func (s *Scheduler) closeMainLocked(cancelled bool) {
	m := s.main
	if m.active {
		s.sink.Active(m.id, false)
	}
	s.sink.End(m.id, cancelled)
	s.main = nil
}
