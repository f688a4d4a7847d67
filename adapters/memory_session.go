package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
)

// MemorySessionRepository keeps session metadata in process memory
type MemorySessionRepository struct {
	mu       sync.RWMutex
	clock    clock.Clock
	sessions map[string]*entities.Session
}

var _ repositories.SessionRepository = (*MemorySessionRepository)(nil)

func NewMemorySessionRepository(clk clock.Clock) *MemorySessionRepository {
	if clk == nil {
		clk = clock.New()
	}
	return &MemorySessionRepository{
		clock:    clk,
		sessions: make(map[string]*entities.Session),
	}
}

func (m *MemorySessionRepository) Create(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	m.sessions[session.ID] = clone(session)
	return nil
}

func (m *MemorySessionRepository) GetByID(ctx context.Context, id string) (*entities.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, repositories.ErrNotFound)
	}
	return clone(session), nil
}

// GetLastByDeviceID returns the device's most recently active session
func (m *MemorySessionRepository) GetLastByDeviceID(ctx context.Context, deviceID string) (*entities.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last *entities.Session
	for _, s := range m.sessions {
		if s.DeviceID != deviceID {
			continue
		}
		if last == nil || s.LastActiveAt.After(last.LastActiveAt) {
			last = s
		}
	}
	if last == nil {
		return nil, fmt.Errorf("session for device %s: %w", deviceID, repositories.ErrNotFound)
	}
	return clone(last), nil
}

func (m *MemorySessionRepository) Update(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; !exists {
		return fmt.Errorf("session %s: %w", session.ID, repositories.ErrNotFound)
	}
	m.sessions[session.ID] = clone(session)
	return nil
}

func (m *MemorySessionRepository) ExpireIdle(ctx context.Context, idleFor time.Duration) (int64, error) {
	cutoff := m.clock.Now().Add(-idleFor)

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, s := range m.sessions {
		if s.Status == entities.SessionStatusActive && s.LastActiveAt.Before(cutoff) {
			s.Expire()
			n++
		}
	}
	return n, nil
}

func clone(s *entities.Session) *entities.Session {
	c := *s
	if s.LastTurnAt != nil {
		t := *s.LastTurnAt
		c.LastTurnAt = &t
	}
	if s.Metadata.Preferences != nil {
		c.Metadata.Preferences = make(map[string]string, len(s.Metadata.Preferences))
		for k, v := range s.Metadata.Preferences {
			c.Metadata.Preferences[k] = v
		}
	}
	return &c
}
