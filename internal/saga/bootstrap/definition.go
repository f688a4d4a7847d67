// Package bootstrap opens a pipeline session as a saga: load or create the
// session record, start recognition, then warm the filler cache. A failing
// step undoes the ones before it.
package bootstrap

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
	"github.com/satriahrh/tutur/internal/saga"
)

const DefinitionID = "session_bootstrap"

// Data keys for the bootstrap saga
const (
	DataKeyDeviceID = "device_id"
	DataKeyMetadata = "metadata"
	DataKeySession  = "session"
	DataKeyResumed  = "resumed"
	DataKeyCreated  = "created"
	DataKeyPipeline = "pipeline"
)

// Recognition is the part of a session pipeline the saga starts and stops
type Recognition interface {
	StartRecognition(ctx context.Context) error
	StopRecognition() error
}

// LaunchFunc builds the pipeline for a loaded session
type LaunchFunc func(ctx context.Context, session *entities.Session) (Recognition, error)

// WarmFunc pre-renders fillers for the session's voice
type WarmFunc func(ctx context.Context, metadata entities.SessionMetadata) error

// Definition wires the three bootstrap steps
type Definition struct {
	sessions repositories.SessionRepository
	launch   LaunchFunc
	warm     WarmFunc
	timeout  time.Duration
	logger   *zap.Logger
}

func NewDefinition(sessions repositories.SessionRepository, launch LaunchFunc, warm WarmFunc, timeout time.Duration, logger *zap.Logger) *Definition {
	return &Definition{
		sessions: sessions,
		launch:   launch,
		warm:     warm,
		timeout:  timeout,
		logger:   logger.Named("bootstrap"),
	}
}

func (d *Definition) ID() string {
	return DefinitionID
}

func (d *Definition) Timeout() time.Duration {
	return d.timeout
}

func (d *Definition) Steps() []saga.Step {
	return []saga.Step{
		NewLoadSessionStep(d.sessions, d.logger),
		NewStartRecognitionStep(d.launch, d.logger),
		NewWarmAckStep(d.warm, d.logger),
	}
}

// Result is what a successful bootstrap hands back
type Result struct {
	Session  *entities.Session
	Resumed  bool
	Pipeline Recognition
}

// ResultFrom reads the outputs of a completed bootstrap
func ResultFrom(data saga.SagaData) Result {
	var r Result
	r.Session, _ = data[DataKeySession].(*entities.Session)
	r.Resumed, _ = data[DataKeyResumed].(bool)
	r.Pipeline, _ = data[DataKeyPipeline].(Recognition)
	return r
}
