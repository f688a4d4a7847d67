package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/tutur/domain/entities"
)

var (
	ErrAlreadyListening = errors.New("recognizer already listening")
	ErrNotListening     = errors.New("recognizer not listening")
)

// RecognitionOptions configures a streaming recognition session
type RecognitionOptions struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// RecognitionCallbacks receive results from the recognizer's own goroutine
type RecognitionCallbacks struct {
	OnStart   func()
	OnPartial func(text string, confidence float64)
	OnFinal   func(text string, confidence float64)
	OnError   func(err error)
}

// Recognizer abstracts streaming speech recognition services
type Recognizer interface {
	// Start opens the stream; results arrive through callbacks until Stop
	Start(ctx context.Context, opts RecognitionOptions, callbacks RecognitionCallbacks) error
	Stop() error
	// PushAudio forwards one cleaned microphone frame
	PushAudio(frame entities.AudioFrame) error
	IsListening() bool
}
