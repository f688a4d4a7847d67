package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/tutur/domain/repositories"
)

const (
	defaultGeminiModel = "gemini-2.0-flash"
	defaultGeminiTopK  = 40
)

// GeminiConfig holds settings for the cloud route
type GeminiConfig struct {
	APIKey string
	Model  string
	TopK   float32
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return errors.New("GEMINI_API_KEY is required")
	}
	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}
	return nil
}

// GeminiGenerator streams responses from Google's Gemini API
type GeminiGenerator struct {
	client *genai.Client
	logger *zap.Logger
	model  string
	topK   float32
}

var _ repositories.Generator = (*GeminiGenerator)(nil)

// NewGeminiGenerator creates a Gemini client, applying defaults where unset
func NewGeminiGenerator(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiGenerator, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}
	logger = logger.Named("llm.gemini")

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := config.Model
	if model == "" {
		model = defaultGeminiModel
		logger.Info("Using default model", zap.String("model", model))
	}
	topK := config.TopK
	if topK == 0 {
		topK = defaultGeminiTopK
	}

	return &GeminiGenerator{
		client: client,
		logger: logger,
		model:  model,
		topK:   topK,
	}, nil
}

// GenerateStreaming starts a streamed generation. Failures before the first
// token are reported as init errors, later ones as transient.
func (g *GeminiGenerator) GenerateStreaming(ctx context.Context, text string, config repositories.GenerationConfig) (<-chan repositories.GenerationEvent, error) {
	if strings.TrimSpace(text) == "" {
		return nil, repositories.InitError(repositories.AdapterGeneration, errors.New("empty prompt"))
	}

	genConfig := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(config.Temperature),
		TopP:            genai.Ptr(config.TopP),
		TopK:            genai.Ptr(g.topK),
		MaxOutputTokens: int32(config.MaxTokens),
	}
	if config.SystemPrompt != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(config.SystemPrompt, genai.RoleUser)
	}
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	out := make(chan repositories.GenerationEvent, 16)
	go func() {
		defer close(out)

		started := false
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, genConfig) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				g.logger.Warn("Gemini stream failed", zap.Bool("started", started), zap.Error(err))
				wrap := repositories.TransientError
				if !started {
					wrap = repositories.InitError
				}
				send(ctx, out, repositories.GenerationEvent{
					Kind: repositories.GenerationFailed,
					Err:  wrap(repositories.AdapterGeneration, err),
				})
				return
			}

			delta := responseText(resp)
			if delta == "" {
				continue
			}
			kind := repositories.GenerationDelta
			if !started {
				kind = repositories.GenerationFirstToken
				started = true
			}
			if !send(ctx, out, repositories.GenerationEvent{Kind: kind, Text: delta}) {
				return
			}
		}
		send(ctx, out, repositories.GenerationEvent{Kind: repositories.GenerationComplete})
	}()
	return out, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// send delivers ev unless ctx ends first
func send(ctx context.Context, out chan<- repositories.GenerationEvent, ev repositories.GenerationEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
