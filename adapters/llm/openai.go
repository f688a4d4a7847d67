package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/repositories"
)

const defaultLocalBaseURL = "http://127.0.0.1:8000/v1"

// OpenAIConfig points at an OpenAI-compatible chat completions server
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// HTTPClient overrides the default client, mostly for tests
	HTTPClient *http.Client
}

// OpenAIGenerator streams chat completions over server-sent events. The local
// routes run one instance per model.
type OpenAIGenerator struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	http    *http.Client
	logger  *zap.Logger
}

var _ repositories.Generator = (*OpenAIGenerator)(nil)

func NewOpenAIGenerator(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIGenerator, error) {
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultLocalBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		// no client timeout; a stream lives as long as its context
		client = &http.Client{}
	}
	return &OpenAIGenerator{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		http:    client,
		logger:  logger.Named("llm.openai").With(zap.String("model", cfg.Model)),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature"`
	TopP        float32       `json:"top_p,omitempty"`
	Stream      bool          `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (g *OpenAIGenerator) GenerateStreaming(ctx context.Context, text string, config repositories.GenerationConfig) (<-chan repositories.GenerationEvent, error) {
	messages := make([]chatMessage, 0, 2)
	if config.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: config.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: text})

	body, err := json.Marshal(chatRequest{
		Model:       g.model,
		Messages:    messages,
		MaxTokens:   config.MaxTokens,
		Temperature: config.Temperature,
		TopP:        config.TopP,
		Stream:      true,
	})
	if err != nil {
		return nil, repositories.InitError(repositories.AdapterGeneration, err)
	}

	cancel := context.CancelFunc(func() {})
	if g.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, repositories.InitError(repositories.AdapterGeneration, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		cancel()
		return nil, repositories.TransientError(repositories.AdapterGeneration, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, data)
	}

	out := make(chan repositories.GenerationEvent, 16)
	go func() {
		defer cancel()
		g.consume(ctx, resp.Body, out)
	}()
	return out, nil
}

// classifyStatus treats 5xx and 429 as transient and other failures as
// permanent start-up errors
func classifyStatus(code int, body []byte) error {
	err := fmt.Errorf("status %d: %s", code, strings.TrimSpace(string(body)))
	if code >= 500 || code == http.StatusTooManyRequests {
		return repositories.TransientError(repositories.AdapterGeneration, err)
	}
	return repositories.InitError(repositories.AdapterGeneration, err)
}

func (g *OpenAIGenerator) consume(ctx context.Context, body io.ReadCloser, out chan<- repositories.GenerationEvent) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	started := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			send(ctx, out, repositories.GenerationEvent{Kind: repositories.GenerationComplete})
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			g.logger.Warn("Skipping malformed stream chunk", zap.Error(err))
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		kind := repositories.GenerationDelta
		if !started {
			kind = repositories.GenerationFirstToken
			started = true
		}
		if !send(ctx, out, repositories.GenerationEvent{Kind: kind, Text: chunk.Choices[0].Delta.Content}) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	send(ctx, out, repositories.GenerationEvent{
		Kind: repositories.GenerationFailed,
		Err:  repositories.TransientError(repositories.AdapterGeneration, err),
	})
}
