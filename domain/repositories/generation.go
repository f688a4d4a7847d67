package repositories

import "context"

// GenerationConfig shapes generated text for speech
type GenerationConfig struct {
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float32 `json:"temperature"`
	TopP         float32 `json:"top_p"`
	SystemPrompt string  `json:"system_prompt"`
}

// GenerationEventKind tags a GenerationEvent
type GenerationEventKind int

const (
	GenerationFirstToken GenerationEventKind = iota
	GenerationDelta
	GenerationComplete
	GenerationFailed
)

// GenerationEvent is one item of a generation stream. Err is set only for
// GenerationFailed.
type GenerationEvent struct {
	Kind GenerationEventKind
	Text string
	Err  error
}

// Generator abstracts streaming text generation backends.
// The returned channel is closed after Complete or Failed.
type Generator interface {
	GenerateStreaming(ctx context.Context, text string, config GenerationConfig) (<-chan GenerationEvent, error)
}
