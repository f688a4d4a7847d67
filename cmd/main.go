package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/tutur/adapters"
	"github.com/satriahrh/tutur/adapters/llm"
	"github.com/satriahrh/tutur/adapters/mongo"
	"github.com/satriahrh/tutur/adapters/stt"
	"github.com/satriahrh/tutur/adapters/tts"
	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
	"github.com/satriahrh/tutur/internal/api"
	"github.com/satriahrh/tutur/internal/auth"
	"github.com/satriahrh/tutur/internal/config"
	"github.com/satriahrh/tutur/internal/metrics"
	"github.com/satriahrh/tutur/internal/router"
	"github.com/satriahrh/tutur/internal/saga"
	"github.com/satriahrh/tutur/internal/websocket"
	"github.com/satriahrh/tutur/usecase"
)

const developmentJWTSecret = "tutur-development-secret"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := config.Validate(cfg); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server stopped with error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if level.Level() == zap.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()

	// Storage
	var (
		sessions repositories.SessionRepository = adapters.NewMemorySessionRepository(clk)
		sinks    metrics.MultiSink
		storage  api.HealthChecker
	)
	if cfg.MongoURI != "" {
		client, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Close(closeCtx)
		}()
		storage = client
		sessions = mongo.NewSessionRepository(client.Database, logger)
		for _, sink := range cfg.MetricsSinks {
			if sink == config.SinkMongo {
				sinks = append(sinks, mongo.NewTurnRecordRepository(client.Database, logger))
			}
		}
	}
	for _, sink := range cfg.MetricsSinks {
		if sink == config.SinkLog {
			sinks = append(sinks, metrics.NewLogSink(logger))
		}
	}

	devices := adapters.NewMemoryDeviceRepository()
	if err := seedDevices(ctx, devices, cfg, logger); err != nil {
		return err
	}

	secret := cfg.JWTSecret
	if secret == "" {
		logger.Warn("JWT_SECRET not set, using the development secret")
		secret = developmentJWTSecret
	}
	issuer, err := auth.NewIssuer(secret, cfg.JWTExpiry, clk)
	if err != nil {
		return err
	}

	// Providers
	providers, err := buildProviders(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	if _, ok := providers.Generators[entities.RouteCloud]; !ok {
		cfg.Router.CloudEnabled = false
	}

	routes := router.New(cfg.Router, clk, logger)
	tracker := metrics.NewTracker(cfg.Metrics, clk)
	exporter := metrics.NewExporter(sinks, cfg.ExportQueue, cfg.ExportTimeout, logger)
	sagas := saga.NewManager(clk, logger)

	voice, err := usecase.NewVoiceService(usecase.VoiceServiceConfig{
		Pipeline:          cfg.Pipeline,
		AckCacheSize:      cfg.AckCacheSize,
		WarmTimeout:       cfg.AckWarmTimeout,
		BootstrapTimeout:  cfg.BootstrapTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BlockedTerms:      cfg.BlockedTerms,
	}, providers, usecase.Shared{
		Sessions: sessions,
		Router:   routes,
		Tracker:  tracker,
		Exporter: exporter,
		Sagas:    sagas,
		Clock:    clk,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create voice service: %w", err)
	}

	hub := websocket.NewHub(voice, logger)
	go hub.Run()

	cleanup := websocket.NewSessionCleanupService(sessions, cfg.SessionIdleTimeout, cfg.ReaperInterval, clk, logger)
	cleanup.Start()
	defer cleanup.Stop()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, api.Dependencies{
		Hub:     hub,
		Storage: storage,
		Devices: devices,
		Issuer:  issuer,
		Tracker: tracker,
		Router:  routes,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return exporter.Run(gctx)
	})
	g.Go(func() error {
		logSagaEvents(gctx, sagas, logger)
		return nil
	})
	g.Go(func() error {
		logger.Info("Server started", zap.String("port", cfg.Port), zap.String("env", cfg.Environment))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("shutting down the server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := hub.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Sessions did not close in time", zap.Error(err))
		}
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildProviders(ctx context.Context, cfg config.Config, clk clock.Clock, logger *zap.Logger) (usecase.Providers, error) {
	providers := usecase.Providers{
		Generators: make(map[entities.Route]repositories.Generator),
	}

	switch cfg.RecognitionProvider {
	case config.ProviderGoogle:
		googleCfg := stt.GoogleConfig{CredentialsFile: cfg.GoogleCredentialsFile, Model: cfg.GoogleSpeechModel}
		providers.NewRecognizer = func() repositories.Recognizer {
			return stt.NewGoogleRecognizer(googleCfg, logger)
		}
	default:
		providers.NewRecognizer = func() repositories.Recognizer {
			return stt.NewMockRecognizer(stt.DefaultMockConfig(), logger)
		}
	}

	switch cfg.SynthesisProvider {
	case config.ProviderElevenLabs:
		synth, err := tts.NewElevenLabsSynthesizer(tts.NewElevenLabsConfigFromEnv(), logger)
		if err != nil {
			return providers, fmt.Errorf("failed to create ElevenLabs synthesizer: %w", err)
		}
		providers.Synthesizer = synth
	default:
		providers.Synthesizer = tts.NewMockSynthesizer(tts.DefaultMockConfig(), clk, logger)
	}

	switch cfg.LocalProvider {
	case config.ProviderOpenAI:
		for route, model := range map[entities.Route]string{
			entities.RouteFastLocal:      cfg.FastModel,
			entities.RouteReasoningLocal: cfg.ReasoningModel,
		} {
			gen, err := llm.NewOpenAIGenerator(llm.OpenAIConfig{
				BaseURL: cfg.LocalBaseURL,
				APIKey:  cfg.LocalAPIKey,
				Model:   model,
				Timeout: cfg.LocalRequestTimeout,
			}, logger)
			if err != nil {
				return providers, fmt.Errorf("failed to create %s generator: %w", route, err)
			}
			providers.Generators[route] = gen
		}
	default:
		gen := llm.NewMockGenerator(llm.DefaultMockConfig(), clk, logger)
		providers.Generators[entities.RouteFastLocal] = gen
		providers.Generators[entities.RouteReasoningLocal] = gen
	}

	switch cfg.CloudProvider {
	case config.ProviderGemini:
		gen, err := llm.NewGeminiGenerator(ctx, llm.GeminiConfig{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel}, logger)
		if err != nil {
			return providers, fmt.Errorf("failed to create Gemini generator: %w", err)
		}
		providers.Generators[entities.RouteCloud] = gen
	case config.ProviderMock:
		providers.Generators[entities.RouteCloud] = llm.NewMockGenerator(llm.DefaultMockConfig(), clk, logger)
	}

	logger.Info("Providers configured",
		zap.String("recognition", cfg.RecognitionProvider),
		zap.String("synthesis", cfg.SynthesisProvider),
		zap.String("local", cfg.LocalProvider),
		zap.String("cloud", cfg.CloudProvider))
	return providers, nil
}

// seedDevices registers the configured devices, or a single development
// device when none are configured outside production
func seedDevices(ctx context.Context, devices repositories.DeviceRepository, cfg config.Config, logger *zap.Logger) error {
	creds := cfg.DeviceCredentials
	if len(creds) == 0 && cfg.Environment == config.EnvDevelopment {
		creds = map[string]string{"DEV-0001": "dev-secret"}
		logger.Warn("DEVICE_CREDENTIALS not set, registered development device", zap.String("serial_number", "DEV-0001"))
	}
	for serial, secret := range creds {
		device := &entities.Device{SerialNumber: serial, SecretKey: secret, Model: "tutur"}
		if err := devices.Create(ctx, device); err != nil {
			return fmt.Errorf("failed to register device %s: %w", serial, err)
		}
		logger.Info("Device registered", zap.String("device_id", device.ID), zap.String("serial_number", serial))
	}
	return nil
}

func logSagaEvents(ctx context.Context, sagas *saga.Manager, logger *zap.Logger) {
	events := sagas.EventChannel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			logger.Debug("Saga event",
				zap.String("sagaID", string(ev.SagaID)),
				zap.String("stepID", string(ev.StepID)),
				zap.String("type", ev.Type))
		}
	}
}
