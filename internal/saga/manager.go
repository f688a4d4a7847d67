// Package saga runs ordered steps with compensation: when a step fails, the
// steps that already completed are undone in reverse order.
package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRetained     = 128
	compensationTimeout = 10 * time.Second
)

var ErrDefinitionNotFound = errors.New("saga definition not found")

// StepError reports which step stopped a saga
type StepError struct {
	Saga SagaID
	Step StepID
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s: step %s failed: %v", e.Saga, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Manager manages saga execution and keeps the most recent instances for
// inspection
type Manager struct {
	logger      *zap.Logger
	clock       clock.Clock
	instances   map[SagaID]*SagaInstance
	finished    []SagaID
	retained    int
	definitions map[string]SagaDefinition
	eventChan   chan SagaEvent
	mu          sync.RWMutex
}

// NewManager creates a new saga manager
func NewManager(clk clock.Clock, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		logger:      logger.Named("saga"),
		clock:       clk,
		instances:   make(map[SagaID]*SagaInstance),
		retained:    defaultRetained,
		definitions: make(map[string]SagaDefinition),
		eventChan:   make(chan SagaEvent, 100),
	}
}

// RegisterDefinition registers a saga definition
func (m *Manager) RegisterDefinition(def SagaDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[def.ID()] = def
	m.logger.Info("Saga definition registered", zap.String("id", def.ID()))
}

// Run executes a registered definition to completion on the caller's
// goroutine. On failure the completed steps are compensated and the returned
// error wraps a *StepError.
func (m *Manager) Run(ctx context.Context, definitionID string, data SagaData) (SagaID, error) {
	m.mu.RLock()
	def, exists := m.definitions[definitionID]
	m.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrDefinitionNotFound, definitionID)
	}
	return m.Execute(ctx, def, data)
}

// Execute runs def without registering it
func (m *Manager) Execute(ctx context.Context, def SagaDefinition, data SagaData) (SagaID, error) {
	if data == nil {
		data = SagaData{}
	}
	steps := def.Steps()
	sagaID := SagaID(fmt.Sprintf("%s_%s", def.ID(), uuid.New().String()))

	stepExecs := make([]StepExecution, len(steps))
	for i, step := range steps {
		stepExecs[i] = StepExecution{
			ID:    step.ID(),
			State: StepStatePending,
		}
	}

	m.mu.Lock()
	m.instances[sagaID] = &SagaInstance{
		ID:         sagaID,
		Definition: def.ID(),
		State:      SagaStateStarted,
		Data:       data,
		Steps:      stepExecs,
		StartedAt:  m.clock.Now(),
	}
	m.mu.Unlock()

	m.emitEvent(SagaEvent{SagaID: sagaID, Type: EventSagaStarted, Timestamp: m.clock.Now()})
	m.logger.Debug("Saga started", zap.String("sagaID", string(sagaID)))

	return sagaID, m.executeSaga(ctx, sagaID, def, steps, data)
}

// GetSaga returns a copy of a saga instance by ID
func (m *Manager) GetSaga(sagaID SagaID) (SagaInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instance, exists := m.instances[sagaID]
	if !exists {
		return SagaInstance{}, false
	}
	out := *instance
	out.Steps = append([]StepExecution(nil), instance.Steps...)
	return out, true
}

// EventChannel returns the event channel for listening to saga events
func (m *Manager) EventChannel() <-chan SagaEvent {
	return m.eventChan
}

func (m *Manager) executeSaga(ctx context.Context, sagaID SagaID, def SagaDefinition, steps []Step, data SagaData) error {
	m.updateSagaState(sagaID, SagaStateRunning)

	runCtx := ctx
	if timeout := def.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	lastCompleted := -1
	for i, step := range steps {
		if err := m.executeStep(runCtx, sagaID, i, step, data); err != nil {
			m.logger.Warn("Step failed",
				zap.String("sagaID", string(sagaID)),
				zap.String("stepID", string(step.ID())),
				zap.Error(err))

			failure := &StepError{Saga: sagaID, Step: step.ID(), Err: err}
			compErr := m.compensateSaga(ctx, sagaID, steps, lastCompleted, data)
			m.finishSaga(sagaID, failure, compErr)
			return errors.Join(failure, compErr)
		}
		lastCompleted = i
	}

	m.finishSaga(sagaID, nil, nil)
	return nil
}

func (m *Manager) executeStep(ctx context.Context, sagaID SagaID, index int, step Step, data SagaData) error {
	now := m.clock.Now()
	m.updateStep(sagaID, index, func(s *StepExecution) {
		s.State = StepStateRunning
		s.StartedAt = &now
	})
	m.emitEvent(SagaEvent{SagaID: sagaID, StepID: step.ID(), Type: EventStepStarted, Timestamp: now})

	var result StepResult
	if err := ctx.Err(); err != nil {
		result = Fail(err)
	} else {
		result = step.Execute(ctx, data)
	}

	now = m.clock.Now()
	if result.Success {
		m.updateStep(sagaID, index, func(s *StepExecution) {
			s.State = StepStateCompleted
			s.CompletedAt = &now
			s.Result = result.Data
		})
		m.emitEvent(SagaEvent{SagaID: sagaID, StepID: step.ID(), Type: EventStepCompleted, Timestamp: now})
		m.logger.Debug("Step completed",
			zap.String("sagaID", string(sagaID)),
			zap.String("stepID", string(step.ID())))
		return nil
	}

	err := result.Error
	if err == nil {
		err = errors.New("step reported failure without an error")
	}
	m.updateStep(sagaID, index, func(s *StepExecution) {
		s.State = StepStateFailed
		s.CompletedAt = &now
		s.Error = err.Error()
	})
	m.emitEvent(SagaEvent{SagaID: sagaID, StepID: step.ID(), Type: EventStepFailed, Timestamp: now, Data: err.Error()})
	return err
}

// compensateSaga undoes completed steps in reverse order. It runs on a fresh
// deadline so a cancelled caller still gets its resources released.
func (m *Manager) compensateSaga(ctx context.Context, sagaID SagaID, steps []Step, lastCompleted int, data SagaData) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var errs []error
	for i := lastCompleted; i >= 0; i-- {
		step := steps[i]
		m.logger.Info("Compensating step",
			zap.String("sagaID", string(sagaID)),
			zap.String("stepID", string(step.ID())))

		if err := step.Compensate(ctx, data); err != nil {
			m.logger.Error("Compensation failed",
				zap.String("sagaID", string(sagaID)),
				zap.String("stepID", string(step.ID())),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("compensate %s: %w", step.ID(), err))
			continue
		}
		m.updateStep(sagaID, i, func(s *StepExecution) { s.State = StepStateCompensated })
		m.emitEvent(SagaEvent{SagaID: sagaID, StepID: step.ID(), Type: EventStepCompensated, Timestamp: m.clock.Now()})
	}
	return errors.Join(errs...)
}

func (m *Manager) finishSaga(sagaID SagaID, failure, compErr error) {
	now := m.clock.Now()
	state, event := SagaStateCompleted, EventSagaCompleted
	switch {
	case failure != nil && compErr != nil:
		state, event = SagaStateFailed, EventSagaFailed
	case failure != nil:
		state, event = SagaStateCompensated, EventSagaCompensated
	}

	m.mu.Lock()
	if instance, exists := m.instances[sagaID]; exists {
		instance.State = state
		instance.CompletedAt = &now
		if failure != nil {
			instance.Error = errors.Join(failure, compErr).Error()
		}
	}
	m.finished = append(m.finished, sagaID)
	for len(m.finished) > m.retained {
		delete(m.instances, m.finished[0])
		m.finished = m.finished[1:]
	}
	m.mu.Unlock()

	m.emitEvent(SagaEvent{SagaID: sagaID, Type: event, Timestamp: now})
	m.logger.Debug("Saga finished", zap.String("sagaID", string(sagaID)), zap.String("state", string(state)))
}

func (m *Manager) updateSagaState(sagaID SagaID, state SagaState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if instance, exists := m.instances[sagaID]; exists {
		instance.State = state
	}
}

func (m *Manager) updateStep(sagaID SagaID, index int, update func(*StepExecution)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if instance, exists := m.instances[sagaID]; exists && index < len(instance.Steps) {
		update(&instance.Steps[index])
	}
}

func (m *Manager) emitEvent(event SagaEvent) {
	select {
	case m.eventChan <- event:
	default:
		m.logger.Debug("Event channel full, dropping event", zap.String("type", event.Type))
	}
}
