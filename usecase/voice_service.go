// Package usecase opens and runs pipeline sessions for connected devices.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/tutur/adapters/privacy"
	"github.com/satriahrh/tutur/domain"
	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
	"github.com/satriahrh/tutur/internal/ack"
	"github.com/satriahrh/tutur/internal/metrics"
	"github.com/satriahrh/tutur/internal/pipeline"
	"github.com/satriahrh/tutur/internal/router"
	"github.com/satriahrh/tutur/internal/saga"
	"github.com/satriahrh/tutur/internal/saga/bootstrap"
)

var ErrInvalidOptions = errors.New("invalid session options")

// Providers are the adapters sessions are built from. Recognizers keep
// per-stream state, so each session gets its own.
type Providers struct {
	NewRecognizer func() repositories.Recognizer
	Generators    map[entities.Route]repositories.Generator
	Synthesizer   repositories.Synthesizer
}

// Shared are the process-wide collaborators every session reports to
type Shared struct {
	Sessions repositories.SessionRepository
	Router   *router.Router
	Tracker  *metrics.Tracker
	Exporter *metrics.Exporter
	Sagas    *saga.Manager
	Clock    clock.Clock
}

// VoiceServiceConfig tunes session start-up
type VoiceServiceConfig struct {
	Pipeline         pipeline.Config
	AckCacheSize     int
	WarmTimeout      time.Duration
	BootstrapTimeout time.Duration
	// HeartbeatInterval is how often a connected session refreshes its
	// last-active time so the idle reaper leaves it alone
	HeartbeatInterval time.Duration
	BlockedTerms      []string
}

// SessionOptions are the settings a device asks for on session.start. Zero
// values take the server defaults.
type SessionOptions struct {
	SampleRate   int
	Language     string
	Voice        string
	Rate         float64
	PrivacyLevel entities.PrivacyLevel
}

// VoiceService opens sessions. Filler caches are shared between sessions
// with the same sample rate.
type VoiceService struct {
	cfg       VoiceServiceConfig
	providers Providers
	shared    Shared
	logger    *zap.Logger

	mu     sync.Mutex
	caches map[int]*ack.Cache
}

func NewVoiceService(cfg VoiceServiceConfig, providers Providers, shared Shared, logger *zap.Logger) (*VoiceService, error) {
	var errs []error
	if providers.NewRecognizer == nil {
		errs = append(errs, errors.New("recognizer factory is required"))
	}
	if len(providers.Generators) == 0 {
		errs = append(errs, errors.New("at least one generator is required"))
	}
	if providers.Synthesizer == nil {
		errs = append(errs, errors.New("synthesizer is required"))
	}
	if shared.Sessions == nil || shared.Router == nil {
		errs = append(errs, errors.New("session repository and router are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if shared.Clock == nil {
		shared.Clock = clock.New()
	}
	if shared.Sagas == nil {
		shared.Sagas = saga.NewManager(shared.Clock, logger)
	}
	if cfg.WarmTimeout <= 0 {
		cfg.WarmTimeout = 3 * time.Second
	}
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}

	return &VoiceService{
		cfg:       cfg,
		providers: providers,
		shared:    shared,
		logger:    logger.Named("voice"),
		caches:    make(map[int]*ack.Cache),
	}, nil
}

// Open bootstraps a session for deviceID. Events for the session go to
// emitter, starting with session.ready. The caller must Start the returned
// session and Close it when the connection ends.
func (s *VoiceService) Open(ctx context.Context, deviceID string, opts SessionOptions, emitter domain.Emitter) (*VoiceSession, error) {
	metadata, err := s.metadata(opts)
	if err != nil {
		return nil, err
	}

	vs := &VoiceSession{
		service: s,
		persist: make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  s.logger.With(zap.String("deviceID", deviceID)),
	}

	launch := func(ctx context.Context, session *entities.Session) (bootstrap.Recognition, error) {
		coordinator, err := s.newCoordinator(session, emitter, vs.turnFinished)
		if err != nil {
			return nil, err
		}
		vs.coordinator = coordinator
		return coordinator, nil
	}
	def := bootstrap.NewDefinition(s.shared.Sessions, launch, s.warm, s.cfg.BootstrapTimeout, s.logger)

	data := saga.SagaData{
		bootstrap.DataKeyDeviceID: deviceID,
		bootstrap.DataKeyMetadata: metadata,
	}
	if _, err := s.shared.Sagas.Execute(ctx, def, data); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	res := bootstrap.ResultFrom(data)
	vs.session = res.Session
	vs.resumed = res.Resumed
	vs.logger = vs.logger.With(zap.String("sessionID", res.Session.ID))

	if s.shared.Tracker != nil {
		s.shared.Tracker.SessionStarted(res.Session.ID)
	}
	vs.coordinator.Emit(domain.Event{
		Type:    domain.EventSessionReady,
		Payload: domain.SessionPayload{Session: vs.Session(), Resumed: res.Resumed},
	})
	vs.logger.Info("Session opened", zap.Bool("resumed", res.Resumed))
	return vs, nil
}

func (s *VoiceService) metadata(opts SessionOptions) (entities.SessionMetadata, error) {
	m := s.cfg.Pipeline.Metadata
	m.Preferences = maps.Clone(m.Preferences)
	if opts.SampleRate != 0 {
		m.SampleRate = opts.SampleRate
	}
	if opts.Language != "" {
		m.Language = opts.Language
	}
	if opts.Voice != "" {
		m.Voice = opts.Voice
	}
	if opts.Rate != 0 {
		m.Rate = opts.Rate
	}
	if opts.PrivacyLevel != "" {
		m.PrivacyLevel = opts.PrivacyLevel
	}

	switch {
	case m.SampleRate < 8000 || m.SampleRate > 48000:
		return m, fmt.Errorf("%w: sample rate %d outside 8000-48000", ErrInvalidOptions, m.SampleRate)
	case m.Rate < 0.5 || m.Rate > 2:
		return m, fmt.Errorf("%w: speaking rate %.2f outside 0.5-2", ErrInvalidOptions, m.Rate)
	case m.PrivacyLevel != entities.PrivacyStandard && m.PrivacyLevel != entities.PrivacyStrict:
		return m, fmt.Errorf("%w: unknown privacy level %q", ErrInvalidOptions, m.PrivacyLevel)
	}
	return m, nil
}

func (s *VoiceService) newCoordinator(session *entities.Session, emitter domain.Emitter, onTurn func(entities.Turn)) (*pipeline.Coordinator, error) {
	cfg := s.cfg.Pipeline
	cfg.SessionID = session.ID
	cfg.Metadata = session.Metadata
	cfg.Canceller.SampleRate = session.Metadata.SampleRate
	cfg.Playback.Buffer.SampleRate = session.Metadata.SampleRate

	deps := pipeline.Deps{
		Recognizer:  s.providers.NewRecognizer(),
		Generators:  s.providers.Generators,
		Synthesizer: s.providers.Synthesizer,
		Emitter:     emitter,
		Router:      s.shared.Router,
		PrivacyGate: privacy.NewRuleGate(privacy.Config{
			Level:        session.Metadata.PrivacyLevel,
			BlockedTerms: s.cfg.BlockedTerms,
		}, s.logger),
		Tracker:        s.shared.Tracker,
		Exporter:       s.shared.Exporter,
		AckCache:       s.cacheFor(session.Metadata.SampleRate),
		Clock:          s.shared.Clock,
		OnTurnFinished: onTurn,
	}
	return pipeline.New(cfg, deps, s.logger)
}

func (s *VoiceService) cacheFor(sampleRate int) *ack.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	cache, ok := s.caches[sampleRate]
	if !ok {
		cache = ack.NewCache(s.cfg.AckCacheSize)
		s.caches[sampleRate] = cache
	}
	return cache
}

// warm renders the filler catalog within the warm-up budget
func (s *VoiceService) warm(ctx context.Context, m entities.SessionMetadata) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WarmTimeout)
	defer cancel()

	catalog := s.cfg.Pipeline.Catalog
	if catalog == nil {
		catalog = ack.DefaultCatalog()
	}
	fetch := ack.SynthesizerFetch(s.providers.Synthesizer, repositories.SynthesisOptions{
		Voice:           m.Voice,
		Rate:            m.Rate,
		ChunkDurationMs: s.cfg.Pipeline.ChunkDurationMs,
		SampleRate:      m.SampleRate,
	})
	return ack.Warm(ctx, s.cacheFor(m.SampleRate), catalog, m.Voice, m.Rate, fetch, s.logger)
}

// VoiceSession is one open pipeline session
type VoiceSession struct {
	service     *VoiceService
	coordinator *pipeline.Coordinator
	resumed     bool
	logger      *zap.Logger

	mu      sync.Mutex
	session *entities.Session
	ended   bool

	persist chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// ID returns the session id
func (v *VoiceSession) ID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session.ID
}

// Session returns a copy of the session record
func (v *VoiceSession) Session() entities.Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := *v.session
	s.Metadata.Preferences = maps.Clone(s.Metadata.Preferences)
	return s
}

// Resumed reports whether an earlier session was continued
func (v *VoiceSession) Resumed() bool {
	return v.resumed
}

// Coordinator exposes the session pipeline
func (v *VoiceSession) Coordinator() *pipeline.Coordinator {
	return v.coordinator
}

// Start runs the pipeline and the session persister in the background
func (v *VoiceSession) Start(ctx context.Context) {
	ctx, v.cancel = context.WithCancel(ctx)
	go func() {
		defer close(v.done)
		v.runErr = v.run(ctx)
	}()
}

func (v *VoiceSession) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return v.coordinator.Run(ctx)
	})
	g.Go(func() error {
		v.persistLoop(ctx)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// persistLoop saves turn counts as turns finish and refreshes the session's
// activity on a heartbeat
func (v *VoiceSession) persistLoop(ctx context.Context) {
	ticker := v.service.shared.Clock.Ticker(v.service.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-v.persist:
			v.save(ctx)
		case <-ticker.C:
			v.mu.Lock()
			v.session.UpdateLastActive()
			v.mu.Unlock()
			v.save(ctx)
		}
	}
}

func (v *VoiceSession) save(ctx context.Context) {
	snapshot := v.Session()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := v.service.shared.Sessions.Update(ctx, &snapshot); err != nil {
		v.logger.Error("Failed to persist session", zap.Error(err))
	}
}

// turnFinished runs on the coordinator loop, so it only records the turn
// and leaves the write to the persister
func (v *VoiceSession) turnFinished(turn entities.Turn) {
	v.mu.Lock()
	v.session.RecordTurn()
	v.mu.Unlock()
	select {
	case v.persist <- struct{}{}:
	default:
	}
}

// PushAudio forwards one microphone frame
func (v *VoiceSession) PushAudio(frame entities.AudioFrame) error {
	return v.coordinator.PushAudio(frame)
}

// Recalibrate resets the echo canceller
func (v *VoiceSession) Recalibrate() {
	v.coordinator.Recalibrate()
}

// Pong answers a device ping on the session's event stream
func (v *VoiceSession) Pong(data string) {
	v.coordinator.Emit(domain.Event{Type: domain.EventPong, Payload: map[string]string{"data": data}})
}

// Close stops recognition and the pipeline and saves the session. A
// terminated session cannot be resumed; otherwise the device may continue it
// within the continuation window.
func (v *VoiceSession) Close(ctx context.Context, terminate bool) error {
	v.mu.Lock()
	if v.ended {
		v.mu.Unlock()
		return nil
	}
	v.ended = true
	v.mu.Unlock()

	var errs []error
	if err := v.coordinator.StopRecognition(); err != nil && !errors.Is(err, repositories.ErrNotListening) {
		errs = append(errs, fmt.Errorf("stop recognition: %w", err))
	}
	if v.cancel != nil {
		v.cancel()
		select {
		case <-v.done:
			if v.runErr != nil {
				errs = append(errs, v.runErr)
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	v.mu.Lock()
	if terminate {
		v.session.Terminate()
	} else {
		v.session.UpdateLastActive()
	}
	v.mu.Unlock()
	v.save(ctx)

	if tracker := v.service.shared.Tracker; tracker != nil {
		tracker.SessionEnded(v.ID())
	}
	v.logger.Info("Session closed", zap.Bool("terminated", terminate))
	return errors.Join(errs...)
}
