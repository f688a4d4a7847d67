package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
	"github.com/satriahrh/tutur/internal/saga"
)

// LoadSessionStep resumes the device's last session when the continuation
// rule allows it and creates a new one otherwise
type LoadSessionStep struct {
	sessions repositories.SessionRepository
	logger   *zap.Logger
}

func NewLoadSessionStep(sessions repositories.SessionRepository, logger *zap.Logger) *LoadSessionStep {
	return &LoadSessionStep{sessions: sessions, logger: logger}
}

func (s *LoadSessionStep) ID() saga.StepID {
	return "load_session"
}

func (s *LoadSessionStep) Execute(ctx context.Context, data saga.SagaData) saga.StepResult {
	deviceID, ok := data[DataKeyDeviceID].(string)
	if !ok || deviceID == "" {
		return saga.Fail(errors.New("missing device id"))
	}
	metadata, _ := data[DataKeyMetadata].(entities.SessionMetadata)

	last, err := s.sessions.GetLastByDeviceID(ctx, deviceID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return saga.Fail(fmt.Errorf("failed to get last session: %w", err))
	}

	if last.CanContinue() {
		last.Metadata = metadata
		last.UpdateLastActive()
		if err := s.sessions.Update(ctx, last); err != nil {
			return saga.Fail(fmt.Errorf("failed to resume session: %w", err))
		}
		s.logger.Info("Session resumed",
			zap.String("deviceID", deviceID),
			zap.String("sessionID", last.ID),
			zap.Int("turns", last.TurnCount))
		data[DataKeySession] = last
		data[DataKeyResumed] = true
		return saga.Ok(last.ID)
	}

	session := entities.NewSession(deviceID)
	session.Metadata = metadata
	if err := s.sessions.Create(ctx, session); err != nil {
		return saga.Fail(fmt.Errorf("failed to create session: %w", err))
	}
	s.logger.Info("Session created",
		zap.String("deviceID", deviceID),
		zap.String("sessionID", session.ID))
	data[DataKeySession] = session
	data[DataKeyResumed] = false
	data[DataKeyCreated] = true
	return saga.Ok(session.ID)
}

// Compensate terminates a session this saga created. A resumed session stays
// as it was for the next attempt.
func (s *LoadSessionStep) Compensate(ctx context.Context, data saga.SagaData) error {
	created, _ := data[DataKeyCreated].(bool)
	session, ok := data[DataKeySession].(*entities.Session)
	if !created || !ok {
		return nil
	}
	session.Terminate()
	if err := s.sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to terminate session %s: %w", session.ID, err)
	}
	s.logger.Info("Session terminated during compensation", zap.String("sessionID", session.ID))
	return nil
}

// StartRecognitionStep builds the session pipeline and opens the recognizer
type StartRecognitionStep struct {
	launch LaunchFunc
	logger *zap.Logger
}

func NewStartRecognitionStep(launch LaunchFunc, logger *zap.Logger) *StartRecognitionStep {
	return &StartRecognitionStep{launch: launch, logger: logger}
}

func (s *StartRecognitionStep) ID() saga.StepID {
	return "start_recognition"
}

func (s *StartRecognitionStep) Execute(ctx context.Context, data saga.SagaData) saga.StepResult {
	session, ok := data[DataKeySession].(*entities.Session)
	if !ok {
		return saga.Fail(errors.New("missing session from previous step"))
	}

	pipeline, err := s.launch(ctx, session)
	if err != nil {
		return saga.Fail(fmt.Errorf("failed to build pipeline: %w", err))
	}
	if err := pipeline.StartRecognition(ctx); err != nil {
		return saga.Fail(err)
	}
	data[DataKeyPipeline] = pipeline
	return saga.Ok(nil)
}

func (s *StartRecognitionStep) Compensate(ctx context.Context, data saga.SagaData) error {
	pipeline, ok := data[DataKeyPipeline].(Recognition)
	if !ok {
		return nil
	}
	if err := pipeline.StopRecognition(); err != nil && !errors.Is(err, repositories.ErrNotListening) {
		return err
	}
	return nil
}

// WarmAckStep pre-renders the filler catalog. Warming is best effort: only a
// cancelled session start fails it.
type WarmAckStep struct {
	warm   WarmFunc
	logger *zap.Logger
}

func NewWarmAckStep(warm WarmFunc, logger *zap.Logger) *WarmAckStep {
	return &WarmAckStep{warm: warm, logger: logger}
}

func (s *WarmAckStep) ID() saga.StepID {
	return "warm_ack_cache"
}

func (s *WarmAckStep) Execute(ctx context.Context, data saga.SagaData) saga.StepResult {
	if s.warm == nil {
		return saga.Ok(nil)
	}
	metadata, _ := data[DataKeyMetadata].(entities.SessionMetadata)
	if err := s.warm(ctx, metadata); err != nil {
		if ctx.Err() != nil {
			return saga.Fail(err)
		}
		s.logger.Warn("Filler warm-up incomplete", zap.Error(err))
	}
	return saga.Ok(nil)
}

func (s *WarmAckStep) Compensate(ctx context.Context, data saga.SagaData) error {
	return nil
}
