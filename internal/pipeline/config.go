package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/satriahrh/tutur/domain"
	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
	"github.com/satriahrh/tutur/internal/ack"
	"github.com/satriahrh/tutur/internal/aec"
	"github.com/satriahrh/tutur/internal/jitter"
	"github.com/satriahrh/tutur/internal/metrics"
	"github.com/satriahrh/tutur/internal/router"
	"github.com/satriahrh/tutur/internal/splitter"
)

const (
	defaultFallbackMessage = "Sorry, something went wrong. Please try again."
	defaultBlockedMessage  = "Sorry, I can't share that."
	defaultSystemPrompt    = "You are a voice assistant. Answer in short spoken sentences. " +
		"Do not use lists, markdown, emojis or code. Keep answers under three sentences unless asked for more."
)

// Targets are the soft per-phase latency budgets. Zero disables a check.
type Targets struct {
	TTFT  time.Duration
	TTFA  time.Duration
	Total time.Duration
}

// Config is the per-session coordinator configuration
type Config struct {
	SessionID string
	Metadata  entities.SessionMetadata

	Generation repositories.GenerationConfig
	Splitter   splitter.Config
	Ack        ack.FlowConfig
	Catalog    ack.Catalog
	Canceller  aec.Config
	Detector   aec.DetectorConfig
	Playback   jitter.Config
	Targets    Targets

	ChunkDurationMs int
	QueueSize       int
	ArenaSize       int
	PhraseBuffer    int

	FallbackMessage string
	BlockedMessage  string
}

// DefaultConfig returns a 16kHz configuration with the standard thresholds
func DefaultConfig() Config {
	return Config{
		Metadata: entities.SessionMetadata{
			Language:     "en-US",
			Rate:         1.0,
			SampleRate:   16000,
			PrivacyLevel: entities.PrivacyStandard,
		},
		Generation: repositories.GenerationConfig{
			MaxTokens:    150,
			Temperature:  0.7,
			TopP:         0.9,
			SystemPrompt: defaultSystemPrompt,
		},
		Splitter:  splitter.DefaultConfig(),
		Ack:       ack.DefaultFlowConfig(),
		Catalog:   ack.DefaultCatalog(),
		Canceller: aec.DefaultConfig(),
		Detector:  aec.DefaultDetectorConfig(),
		Playback:  jitter.DefaultConfig(),
		Targets: Targets{
			TTFT:  time.Second,
			TTFA:  1500 * time.Millisecond,
			Total: 15 * time.Second,
		},
		ChunkDurationMs: 100,
		QueueSize:       64,
		ArenaSize:       4,
		PhraseBuffer:    64,
		FallbackMessage: defaultFallbackMessage,
		BlockedMessage:  defaultBlockedMessage,
	}
}

func (c Config) Validate() error {
	if err := c.Splitter.Validate(); err != nil {
		return fmt.Errorf("splitter: %w", err)
	}
	if err := c.Canceller.Validate(); err != nil {
		return fmt.Errorf("canceller: %w", err)
	}
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	rate := c.Metadata.SampleRate
	if rate != c.Canceller.SampleRate || rate != c.Playback.Buffer.SampleRate {
		return fmt.Errorf("sample rates differ: session %d, canceller %d, playback %d",
			rate, c.Canceller.SampleRate, c.Playback.Buffer.SampleRate)
	}
	if c.Generation.MaxTokens <= 0 {
		return fmt.Errorf("generation max tokens must be positive, got %d", c.Generation.MaxTokens)
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("generation temperature must be in [0, 2], got %f", c.Generation.Temperature)
	}
	if c.Generation.TopP <= 0 || c.Generation.TopP > 1 {
		return fmt.Errorf("generation top_p must be in (0, 1], got %f", c.Generation.TopP)
	}
	if c.QueueSize <= 0 || c.PhraseBuffer <= 0 {
		return fmt.Errorf("queue sizes must be positive, got %d/%d", c.QueueSize, c.PhraseBuffer)
	}
	if c.ChunkDurationMs <= 0 {
		return fmt.Errorf("chunk duration must be positive, got %d", c.ChunkDurationMs)
	}
	return nil
}

// Deps are the collaborators a coordinator drives. Optional fields may be nil.
type Deps struct {
	Recognizer  repositories.Recognizer
	Generators  map[entities.Route]repositories.Generator
	Synthesizer repositories.Synthesizer
	Emitter     domain.Emitter
	Router      *router.Router

	PrivacyGate repositories.PrivacyGate
	Tracker     *metrics.Tracker
	Exporter    *metrics.Exporter
	AckCache    *ack.Cache
	Clock       clock.Clock

	// OnTurnFinished runs on the coordinator loop after each finalized turn
	OnTurnFinished func(turn entities.Turn)
}

func (d Deps) validate() error {
	var errs []error
	if d.Recognizer == nil {
		errs = append(errs, errors.New("recognizer is required"))
	}
	if len(d.Generators) == 0 {
		errs = append(errs, errors.New("at least one generator is required"))
	}
	if d.Synthesizer == nil {
		errs = append(errs, errors.New("synthesizer is required"))
	}
	if d.Emitter == nil {
		errs = append(errs, errors.New("emitter is required"))
	}
	if d.Router == nil {
		errs = append(errs, errors.New("router is required"))
	}
	return errors.Join(errs...)
}
