package llm

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/repositories"
)

// MockConfig paces the canned token stream
type MockConfig struct {
	FirstTokenDelay time.Duration
	TokenDelay      time.Duration
	// Reply overrides the canned replies when set
	Reply string
}

func DefaultMockConfig() MockConfig {
	return MockConfig{
		FirstTokenDelay: 150 * time.Millisecond,
		TokenDelay:      30 * time.Millisecond,
	}
}

// MockGenerator streams a canned reply word by word
type MockGenerator struct {
	cfg    MockConfig
	clock  clock.Clock
	logger *zap.Logger
}

var _ repositories.Generator = (*MockGenerator)(nil)

func NewMockGenerator(cfg MockConfig, clk clock.Clock, logger *zap.Logger) *MockGenerator {
	if clk == nil {
		clk = clock.New()
	}
	return &MockGenerator{cfg: cfg, clock: clk, logger: logger.Named("llm.mock")}
}

func (m *MockGenerator) GenerateStreaming(ctx context.Context, text string, config repositories.GenerationConfig) (<-chan repositories.GenerationEvent, error) {
	reply := m.cfg.Reply
	if reply == "" {
		reply = cannedReply(text)
	}
	words := strings.Fields(reply)
	if config.MaxTokens > 0 && len(words) > config.MaxTokens {
		words = words[:config.MaxTokens]
	}
	m.logger.Debug("Streaming mock reply", zap.Int("words", len(words)))

	out := make(chan repositories.GenerationEvent, 16)
	go func() {
		defer close(out)

		delay := m.cfg.FirstTokenDelay
		for i, word := range words {
			if !m.sleep(ctx, delay) {
				return
			}
			delay = m.cfg.TokenDelay

			kind := repositories.GenerationDelta
			if i == 0 {
				kind = repositories.GenerationFirstToken
			} else {
				word = " " + word
			}
			if !send(ctx, out, repositories.GenerationEvent{Kind: kind, Text: word}) {
				return
			}
		}
		send(ctx, out, repositories.GenerationEvent{Kind: repositories.GenerationComplete})
	}()
	return out, nil
}

func (m *MockGenerator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := m.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func cannedReply(prompt string) string {
	p := strings.ToLower(prompt)
	switch {
	case strings.Contains(p, "weather"):
		return "I can't check live weather from here, but it's worth a quick look outside or at a forecast app. Want me to help with anything else?"
	case strings.Contains(p, "why") || strings.Contains(p, "explain"):
		return "Sunlight is made of many colors. Air scatters the short blue waves far more than the red ones, so the sky looks blue. At sunset the light travels through much more air, the blue is scattered away, and the reds and oranges are left."
	case strings.Contains(p, "hello") || strings.Contains(p, "hi"):
		return "Hello! I'm doing well, thanks for asking. What can I do for you?"
	default:
		return "Thanks, I heard you. Tell me a little more and I'll do my best to help."
	}
}
