package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/repositories"
)

const (
	defaultAPIBaseURL = "https://api.elevenlabs.io/v1"
	defaultVoiceID    = "21m00Tcm4TlvDq8ikWAM"   // Rachel voice
	defaultModelID    = "eleven_flash_v2_5"      // lowest latency model
	defaultStability  = 0.5                      // Default voice stability
	defaultClarity    = 0.75                     // Default voice clarity/similarity_boost
	defaultChunkMs    = 100
)

// ElevenLabs only renders raw PCM at these rates
var supportedRates = map[int]bool{16000: true, 22050: true, 24000: true, 44100: true}

// ElevenLabsConfig holds configuration for the ElevenLabs synthesizer.
// Only APIKey is required; everything else falls back to defaults.
type ElevenLabsConfig struct {
	APIKey     string
	APIBaseURL string
	VoiceID    string
	ModelID    string
	Stability  float64
	Clarity    float64
	HTTPClient *http.Client
}

// ElevenLabsVoiceSettings represents voice settings for Eleven Labs API
type ElevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
}

// ElevenLabsRequest represents the request payload for Eleven Labs TTS API
type ElevenLabsRequest struct {
	Text                   string                  `json:"text"`
	ModelID                string                  `json:"model_id"`
	VoiceSettings          ElevenLabsVoiceSettings `json:"voice_settings"`
	ApplyTextNormalization string                  `json:"apply_text_normalization,omitempty"`
}

// ValidateElevenLabsConfig validates the ElevenLabsConfig
func ValidateElevenLabsConfig(config ElevenLabsConfig) error {
	if config.APIKey == "" {
		return errors.New("eleven labs API key is required")
	}
	if config.Stability != 0 && (config.Stability < 0 || config.Stability > 1) {
		return fmt.Errorf("stability must be between 0 and 1, got %f", config.Stability)
	}
	if config.Clarity != 0 && (config.Clarity < 0 || config.Clarity > 1) {
		return fmt.Errorf("clarity must be between 0 and 1, got %f", config.Clarity)
	}
	return nil
}

// ElevenLabsSynthesizer streams raw PCM from the ElevenLabs streaming
// endpoint, re-chunked to the requested chunk duration
type ElevenLabsSynthesizer struct {
	apiKey     string
	apiBaseURL string
	voiceID    string
	modelID    string
	stability  float64
	clarity    float64
	http       *http.Client
	logger     *zap.Logger

	playbacks *registry
}

var _ repositories.Synthesizer = (*ElevenLabsSynthesizer)(nil)

// NewElevenLabsSynthesizer creates a new ElevenLabs synthesizer
func NewElevenLabsSynthesizer(config ElevenLabsConfig, logger *zap.Logger) (*ElevenLabsSynthesizer, error) {
	if err := ValidateElevenLabsConfig(config); err != nil {
		return nil, err
	}
	logger = logger.Named("tts.elevenlabs")

	apiBaseURL := config.APIBaseURL
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
		logger.Info("Using default API base URL", zap.String("apiBaseURL", apiBaseURL))
	}

	voiceID := config.VoiceID
	if voiceID == "" {
		voiceID = defaultVoiceID
		logger.Info("Using default voice ID", zap.String("voiceID", voiceID))
	}

	modelID := config.ModelID
	if modelID == "" {
		modelID = defaultModelID
		logger.Info("Using default model ID", zap.String("modelID", modelID))
	}

	stability := config.Stability
	if stability == 0 {
		stability = defaultStability
	}
	clarity := config.Clarity
	if clarity == 0 {
		clarity = defaultClarity
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &ElevenLabsSynthesizer{
		apiKey:     config.APIKey,
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		voiceID:    voiceID,
		modelID:    modelID,
		stability:  stability,
		clarity:    clarity,
		http:       client,
		logger:     logger,
		playbacks:  newRegistry(),
	}, nil
}

// Synthesize blocks until the response headers arrive so that rejected
// requests surface as init errors, then streams the body in the background
func (e *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string, opts repositories.SynthesisOptions) (string, <-chan repositories.SynthesisEvent, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil, repositories.InitError(repositories.AdapterSynthesis, errors.New("text cannot be empty"))
	}
	if !supportedRates[opts.SampleRate] {
		return "", nil, repositories.InitError(repositories.AdapterSynthesis, fmt.Errorf("unsupported sample rate %d", opts.SampleRate))
	}

	voiceID := e.voiceID
	if opts.Voice != "" {
		voiceID = opts.Voice
	}

	requestBody, err := json.Marshal(ElevenLabsRequest{
		Text:                   text,
		ModelID:                e.modelID,
		ApplyTextNormalization: "auto",
		VoiceSettings: ElevenLabsVoiceSettings{
			Stability:       e.stability,
			SimilarityBoost: e.clarity,
			UseSpeakerBoost: true,
			Speed:           speed(opts.Rate),
		},
	})
	if err != nil {
		return "", nil, repositories.InitError(repositories.AdapterSynthesis, fmt.Errorf("failed to marshal request: %w", err))
	}

	id := uuid.New().String()
	streamCtx, cancel := context.WithCancel(ctx)

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=pcm_%d&enable_logging=false",
		e.apiBaseURL, voiceID, opts.SampleRate)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		cancel()
		return "", nil, repositories.InitError(repositories.AdapterSynthesis, fmt.Errorf("failed to create HTTP request: %w", err))
	}
	httpReq.Header.Set("Accept", "audio/pcm")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.http.Do(httpReq)
	if err != nil {
		cancel()
		return "", nil, repositories.TransientError(repositories.AdapterSynthesis, fmt.Errorf("failed to execute HTTP request: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		e.logger.Error("Eleven Labs API returned error",
			zap.Int("statusCode", resp.StatusCode),
			zap.String("response", string(errorBody)))
		err := fmt.Errorf("API returned error %d: %s", resp.StatusCode, string(errorBody))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", nil, repositories.TransientError(repositories.AdapterSynthesis, err)
		}
		return "", nil, repositories.InitError(repositories.AdapterSynthesis, err)
	}

	chunkMs := opts.ChunkDurationMs
	if chunkMs <= 0 {
		chunkMs = defaultChunkMs
	}
	chunkBytes := opts.SampleRate * 2 * chunkMs / 1000

	out := make(chan repositories.SynthesisEvent, 8)
	done := e.playbacks.add(id, cancel)
	go func() {
		defer close(done)
		defer e.playbacks.remove(id)
		defer cancel()
		defer close(out)
		defer resp.Body.Close()

		streamPCM(streamCtx, id, resp.Body, chunkBytes, out, e.logger)
	}()

	return id, out, nil
}

// streamPCM re-chunks body into fixed-size PCM blocks. Blocks never split a
// sample.
func streamPCM(ctx context.Context, id string, body io.Reader, chunkBytes int, out chan<- repositories.SynthesisEvent, logger *zap.Logger) {
	emit := func(ev repositories.SynthesisEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	seq := 0
	total := 0
	for {
		buf := make([]byte, chunkBytes)
		n, err := io.ReadFull(body, buf)
		n -= n % 2
		if n > 0 {
			kind := repositories.SynthesisChunk
			if seq == 0 {
				kind = repositories.SynthesisFirstChunk
			}
			if !emit(repositories.SynthesisEvent{Kind: kind, PlaybackID: id, Seq: seq, Audio: buf[:n]}) {
				return
			}
			seq++
			total += n
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			logger.Debug("Finished streaming audio data", zap.String("playback_id", id), zap.Int("chunks", seq), zap.Int("bytes", total))
			emit(repositories.SynthesisEvent{Kind: repositories.SynthesisComplete, PlaybackID: id, Seq: seq})
			return
		case ctx.Err() != nil:
			return
		default:
			logger.Error("Error reading response body", zap.Error(err))
			emit(repositories.SynthesisEvent{
				Kind:       repositories.SynthesisFailed,
				PlaybackID: id,
				Err:        repositories.TransientError(repositories.AdapterSynthesis, err),
			})
			return
		}
	}
}

// Cancel aborts the request and reports how long the stream took to stop
func (e *ElevenLabsSynthesizer) Cancel(playbackID string) time.Duration {
	return e.playbacks.cancel(playbackID)
}

// speed maps a speaking rate onto the range the API accepts
func speed(rate float64) float64 {
	if rate <= 0 {
		return 1
	}
	return math.Max(0.7, math.Min(1.2, rate))
}

// NewElevenLabsConfigFromEnv creates a new ElevenLabsConfig from environment variables
func NewElevenLabsConfigFromEnv() ElevenLabsConfig {
	config := ElevenLabsConfig{
		APIKey:     os.Getenv("ELEVEN_LABS_API_KEY"),
		APIBaseURL: os.Getenv("ELEVEN_LABS_API_BASE_URL"),
		VoiceID:    os.Getenv("ELEVEN_LABS_VOICE_ID"),
		ModelID:    os.Getenv("ELEVEN_LABS_MODEL_ID"),
	}

	if stabilityStr := os.Getenv("ELEVEN_LABS_STABILITY"); stabilityStr != "" {
		if stability, err := strconv.ParseFloat(stabilityStr, 64); err == nil && stability >= 0 && stability <= 1 {
			config.Stability = stability
		}
	}

	if clarityStr := os.Getenv("ELEVEN_LABS_CLARITY"); clarityStr != "" {
		if clarity, err := strconv.ParseFloat(clarityStr, 64); err == nil && clarity >= 0 && clarity <= 1 {
			config.Clarity = clarity
		}
	}

	return config
}
