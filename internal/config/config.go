// Package config loads server settings from the environment, reading a local
// .env file first when one exists.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/internal/metrics"
	"github.com/satriahrh/tutur/internal/pipeline"
	"github.com/satriahrh/tutur/internal/router"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	ProviderMock       = "mock"
	ProviderGoogle     = "google"
	ProviderElevenLabs = "elevenlabs"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
	ProviderNone       = "none"

	SinkLog   = "log"
	SinkMongo = "mongo"
)

// Config is the full server configuration
type Config struct {
	Port        string
	Environment string
	LogLevel    string

	JWTSecret string
	JWTExpiry time.Duration

	SessionIdleTimeout time.Duration
	ReaperInterval     time.Duration

	MongoURI      string
	MongoDatabase string

	RecognitionProvider string
	SynthesisProvider   string
	LocalProvider       string
	CloudProvider       string

	LocalBaseURL        string
	LocalAPIKey         string
	FastModel           string
	ReasoningModel      string
	LocalRequestTimeout time.Duration

	GoogleCredentialsFile string
	GoogleSpeechModel     string
	GeminiAPIKey          string
	GeminiModel           string

	MetricsSinks  []string
	ExportQueue   int
	ExportTimeout time.Duration
	AckCacheSize  int

	AckWarmTimeout    time.Duration
	BootstrapTimeout  time.Duration
	HeartbeatInterval time.Duration
	BlockedTerms      []string

	// DeviceCredentials seeds the device registry, serial number to secret
	DeviceCredentials map[string]string

	Pipeline pipeline.Config
	Router   router.Config
	Metrics  metrics.Config
}

// Load reads .env when present and then the process environment
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	e := &env{}
	cfg := Config{
		Port:        e.str("PORT", "8080"),
		Environment: e.str("APP_ENV", EnvDevelopment),
		LogLevel:    e.str("LOG_LEVEL", "info"),

		JWTSecret: e.str("JWT_SECRET", ""),
		JWTExpiry: e.duration("JWT_EXPIRY", 24*time.Hour),

		SessionIdleTimeout: e.duration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		ReaperInterval:     e.duration("SESSION_REAPER_INTERVAL", time.Minute),

		MongoURI:      e.str("MONGODB_URI", ""),
		MongoDatabase: e.str("MONGODB_DATABASE", "tutur"),

		RecognitionProvider: e.str("RECOGNITION_PROVIDER", ProviderMock),
		SynthesisProvider:   e.str("SYNTHESIS_PROVIDER", ProviderMock),
		LocalProvider:       e.str("LOCAL_LLM_PROVIDER", ProviderMock),
		CloudProvider:       e.str("CLOUD_LLM_PROVIDER", ProviderNone),

		LocalBaseURL:        e.str("LOCAL_LLM_BASE_URL", "http://127.0.0.1:8000/v1"),
		LocalAPIKey:         e.str("LOCAL_LLM_API_KEY", ""),
		FastModel:           e.str("LOCAL_LLM_FAST_MODEL", "fast"),
		ReasoningModel:      e.str("LOCAL_LLM_REASONING_MODEL", "reasoning"),
		LocalRequestTimeout: e.duration("LOCAL_LLM_TIMEOUT", 30*time.Second),

		GoogleCredentialsFile: e.str("GOOGLE_APPLICATION_CREDENTIALS", ""),
		GoogleSpeechModel:     e.str("GOOGLE_SPEECH_MODEL", "latest_short"),
		GeminiAPIKey:          e.str("GEMINI_API_KEY", ""),
		GeminiModel:           e.str("GEMINI_MODEL", "gemini-2.0-flash"),

		MetricsSinks:  e.list("METRICS_SINKS", []string{SinkLog}),
		ExportQueue:   e.int("METRICS_EXPORT_QUEUE", 256),
		ExportTimeout: e.duration("METRICS_EXPORT_TIMEOUT", 2*time.Second),
		AckCacheSize:  e.int("ACK_CACHE_SIZE", 64),

		AckWarmTimeout:    e.duration("ACK_WARM_TIMEOUT", 3*time.Second),
		BootstrapTimeout:  e.duration("SESSION_BOOTSTRAP_TIMEOUT", 10*time.Second),
		HeartbeatInterval: e.duration("SESSION_HEARTBEAT_INTERVAL", time.Minute),
		BlockedTerms:      e.list("PRIVACY_BLOCKED_TERMS", nil),

		DeviceCredentials: e.pairs("DEVICE_CREDENTIALS"),
	}

	cfg.Pipeline = loadPipeline(e)
	cfg.Router = loadRouter(e)
	cfg.Metrics = loadMetrics(e)

	if err := e.err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadPipeline(e *env) pipeline.Config {
	p := pipeline.DefaultConfig()

	rate := e.int("SAMPLE_RATE", p.Metadata.SampleRate)
	p.Metadata.SampleRate = rate
	p.Canceller.SampleRate = rate
	p.Playback.Buffer.SampleRate = rate
	p.Metadata.Language = e.str("DEFAULT_LANGUAGE", p.Metadata.Language)
	p.Metadata.Voice = e.str("DEFAULT_VOICE", p.Metadata.Voice)
	p.Metadata.Rate = e.float("DEFAULT_RATE", p.Metadata.Rate)
	p.Metadata.PrivacyLevel = entities.PrivacyLevel(e.str("DEFAULT_PRIVACY_LEVEL", string(p.Metadata.PrivacyLevel)))

	p.Generation.MaxTokens = e.int("GENERATION_MAX_TOKENS", p.Generation.MaxTokens)
	p.Generation.Temperature = float32(e.float("GENERATION_TEMPERATURE", float64(p.Generation.Temperature)))
	p.Generation.TopP = float32(e.float("GENERATION_TOP_P", float64(p.Generation.TopP)))
	p.Generation.SystemPrompt = e.str("GENERATION_SYSTEM_PROMPT", p.Generation.SystemPrompt)

	p.Splitter.MinorWords = e.int("SPLITTER_MINOR_WORDS", p.Splitter.MinorWords)
	p.Splitter.TerminalWords = e.int("SPLITTER_TERMINAL_WORDS", p.Splitter.TerminalWords)
	p.Splitter.HardWords = e.int("SPLITTER_HARD_WORDS", p.Splitter.HardWords)

	p.Ack.MinWords = e.int("ACK_MIN_WORDS", p.Ack.MinWords)
	p.Ack.MinChars = e.int("ACK_MIN_CHARS", p.Ack.MinChars)
	p.Playback.AckFade.Window = e.duration("ACK_CROSSFADE", p.Playback.AckFade.Window)
	p.Playback.AckFade.Step = e.duration("ACK_CROSSFADE_STEP", p.Playback.AckFade.Step)

	p.Canceller.Taps = e.int("AEC_TAPS", p.Canceller.Taps)
	p.Canceller.StepSize = e.float("AEC_STEP_SIZE", p.Canceller.StepSize)
	p.Canceller.BulkDelay = e.duration("AEC_BULK_DELAY", p.Canceller.BulkDelay)
	p.Detector.VoiceThreshold = e.float("BARGE_IN_THRESHOLD", p.Detector.VoiceThreshold)
	p.Detector.Grace = e.duration("BARGE_IN_GRACE", p.Detector.Grace)

	p.Playback.Buffer.Prebuffer = e.duration("JITTER_PREBUFFER", p.Playback.Buffer.Prebuffer)
	p.Playback.Buffer.Crossfade = e.duration("JITTER_CROSSFADE", p.Playback.Buffer.Crossfade)
	p.Playback.Block = e.duration("PLAYBACK_BLOCK", p.Playback.Block)
	p.ChunkDurationMs = e.int("SYNTHESIS_CHUNK_MS", p.ChunkDurationMs)

	p.Targets.TTFT = e.duration("TARGET_TTFT", p.Targets.TTFT)
	p.Targets.TTFA = e.duration("TARGET_TTFA", p.Targets.TTFA)
	p.Targets.Total = e.duration("TARGET_TOTAL", p.Targets.Total)

	p.QueueSize = e.int("PIPELINE_QUEUE_SIZE", p.QueueSize)
	return p
}

func loadRouter(e *env) router.Config {
	r := router.DefaultConfig()
	r.CloudEnabled = e.bool("ROUTER_CLOUD_ENABLED", r.CloudEnabled)
	r.FastMaxTokens = e.int("ROUTER_FAST_MAX_TOKENS", r.FastMaxTokens)
	r.FastMaxTextLength = e.int("ROUTER_FAST_MAX_TEXT_LENGTH", r.FastMaxTextLength)
	r.CloudMinTokens = e.int("ROUTER_CLOUD_MIN_TOKENS", r.CloudMinTokens)
	r.ReasoningMinTokens = e.int("ROUTER_REASONING_MIN_TOKENS", r.ReasoningMinTokens)
	r.ReasoningMinTextLen = e.int("ROUTER_REASONING_MIN_TEXT_LENGTH", r.ReasoningMinTextLen)
	r.Breaker.TTFAThreshold = e.duration("ROUTER_BREAKER_TTFA", r.Breaker.TTFAThreshold)
	r.Breaker.Consecutive = e.int("ROUTER_BREAKER_CONSECUTIVE", r.Breaker.Consecutive)
	r.Breaker.Cooldown = e.duration("ROUTER_BREAKER_COOLDOWN", r.Breaker.Cooldown)
	r.Monitor.Hold = e.duration("ROUTER_DEGRADE_HOLD", r.Monitor.Hold)
	return r
}

func loadMetrics(e *env) metrics.Config {
	m := metrics.DefaultConfig()
	m.Window = e.int("METRICS_WINDOW", m.Window)
	m.ThroughputWindow = e.duration("METRICS_THROUGHPUT_WINDOW", m.ThroughputWindow)
	m.TargetTotal = e.duration("METRICS_TARGET_TOTAL", m.TargetTotal)
	m.MaxErrorRate = e.float("METRICS_MAX_ERROR_RATE", m.MaxErrorRate)
	return m
}

// Validate checks cross-field invariants the component configs cannot see
func Validate(cfg Config) error {
	var errs []error

	if cfg.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if cfg.Environment != EnvDevelopment && cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required outside development"))
	}
	if cfg.SessionIdleTimeout <= 0 || cfg.ReaperInterval <= 0 {
		errs = append(errs, errors.New("session idle timeout and reaper interval must be positive"))
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.SessionIdleTimeout {
		errs = append(errs, errors.New("SESSION_HEARTBEAT_INTERVAL must be positive and shorter than SESSION_IDLE_TIMEOUT"))
	}
	if cfg.AckWarmTimeout <= 0 || cfg.BootstrapTimeout <= 0 {
		errs = append(errs, errors.New("ack warm and bootstrap timeouts must be positive"))
	}
	if cfg.RecognitionProvider == ProviderGoogle && cfg.GoogleSpeechModel == "" {
		errs = append(errs, errors.New("RECOGNITION_PROVIDER=google requires GOOGLE_SPEECH_MODEL"))
	}
	if cfg.CloudProvider == ProviderGemini && cfg.GeminiAPIKey == "" {
		errs = append(errs, errors.New("CLOUD_LLM_PROVIDER=gemini requires GEMINI_API_KEY"))
	}

	errs = append(errs, oneOf("RECOGNITION_PROVIDER", cfg.RecognitionProvider, ProviderMock, ProviderGoogle))
	errs = append(errs, oneOf("SYNTHESIS_PROVIDER", cfg.SynthesisProvider, ProviderMock, ProviderElevenLabs))
	errs = append(errs, oneOf("LOCAL_LLM_PROVIDER", cfg.LocalProvider, ProviderMock, ProviderOpenAI))
	errs = append(errs, oneOf("CLOUD_LLM_PROVIDER", cfg.CloudProvider, ProviderNone, ProviderMock, ProviderGemini))
	for _, sink := range cfg.MetricsSinks {
		errs = append(errs, oneOf("METRICS_SINKS", sink, SinkLog, SinkMongo))
		if sink == SinkMongo && cfg.MongoURI == "" {
			errs = append(errs, errors.New("METRICS_SINKS=mongo requires MONGODB_URI"))
		}
	}
	if cfg.ExportQueue <= 0 || cfg.AckCacheSize <= 0 {
		errs = append(errs, errors.New("export queue and ack cache size must be positive"))
	}

	if err := cfg.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if err := cfg.Router.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	if err := cfg.Metrics.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	return errors.Join(errs...)
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, "|"), value)
}

// env reads typed variables and remembers every parse failure
type env struct {
	errs []error
}

func (e *env) err() error {
	return errors.Join(e.errs...)
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (e *env) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

// duration accepts Go duration strings and bare integers as milliseconds
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (e *env) list(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "key:value,key:value" lists
func (e *env) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, item := range e.list(key, nil) {
		k, v, ok := strings.Cut(item, ":")
		if !ok || k == "" || v == "" {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid pair %q", key, item))
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
