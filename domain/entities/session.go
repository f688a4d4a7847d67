package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the status of a session
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusTerminated SessionStatus = "terminated"
)

// PrivacyLevel controls how eagerly the router keeps work on local routes
type PrivacyLevel string

const (
	PrivacyStandard PrivacyLevel = "standard"
	PrivacyStrict   PrivacyLevel = "strict"
)

const (
	sessionTTL          = 24 * time.Hour
	sessionContinuation = 30 * time.Minute
)

// SessionMetadata contains session-level settings negotiated on session.start
type SessionMetadata struct {
	Language     string            `json:"language" bson:"language"`
	Voice        string            `json:"voice" bson:"voice"`
	Rate         float64           `json:"rate" bson:"rate"`
	SampleRate   int               `json:"sample_rate" bson:"sample_rate"`
	PrivacyLevel PrivacyLevel      `json:"privacy_level" bson:"privacy_level"`
	Preferences  map[string]string `json:"preferences,omitempty" bson:"preferences,omitempty"`
}

// Session is a pipeline session between a device and the server.
// Only counters and settings are kept; transcripts are never stored.
type Session struct {
	ID           string          `json:"id" bson:"_id"`
	DeviceID     string          `json:"device_id" bson:"device_id"`
	CreatedAt    time.Time       `json:"created_at" bson:"created_at"`
	LastActiveAt time.Time       `json:"last_active_at" bson:"last_active_at"`
	LastTurnAt   *time.Time      `json:"last_turn_at" bson:"last_turn_at"`
	ExpiresAt    time.Time       `json:"expires_at" bson:"expires_at"`
	Status       SessionStatus   `json:"status" bson:"status"`
	TurnCount    int             `json:"turn_count" bson:"turn_count"`
	Metadata     SessionMetadata `json:"metadata" bson:"metadata"`
}

// NewSession creates a new session for a device
func NewSession(deviceID string) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.New().String(),
		DeviceID:     deviceID,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(sessionTTL),
		Status:       SessionStatusActive,
		Metadata: SessionMetadata{
			Language:     "en-US",
			Rate:         1.0,
			SampleRate:   16000,
			PrivacyLevel: PrivacyStandard,
			Preferences:  make(map[string]string),
		},
	}
}

// RecordTurn counts a finished turn and refreshes activity
func (s *Session) RecordTurn() {
	now := time.Now()
	s.TurnCount++
	s.LastTurnAt = &now
	s.UpdateLastActive()
}

// UpdateLastActive updates the last active timestamp and extends expiration
func (s *Session) UpdateLastActive() {
	s.LastActiveAt = time.Now()
	s.ExpiresAt = s.LastActiveAt.Add(sessionTTL)
}

// IsExpired checks if the session has expired
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt) || s.Status != SessionStatusActive
}

// CanContinue reports whether a reconnecting device may resume this session
// instead of opening a new one: it must be live and have had a turn within
// the last 30 minutes, or no turn at all yet.
func (s *Session) CanContinue() bool {
	if s == nil || s.IsExpired() {
		return false
	}
	if s.LastTurnAt == nil {
		return true
	}
	return time.Since(*s.LastTurnAt) <= sessionContinuation
}

// Terminate marks the session as terminated
func (s *Session) Terminate() {
	s.Status = SessionStatusTerminated
	s.UpdateLastActive()
}

// Expire marks the session as expired
func (s *Session) Expire() {
	s.Status = SessionStatusExpired
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.DeviceID == "" {
		return errors.New("device_id is required")
	}

	if s.Status != SessionStatusActive && s.Status != SessionStatusExpired && s.Status != SessionStatusTerminated {
		return errors.New("invalid session status")
	}

	if s.Metadata.PrivacyLevel != "" && s.Metadata.PrivacyLevel != PrivacyStandard && s.Metadata.PrivacyLevel != PrivacyStrict {
		return errors.New("invalid privacy level")
	}

	return nil
}
