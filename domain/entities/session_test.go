package entities

import (
	"testing"
	"time"
)

func TestSessionCreation(t *testing.T) {
	deviceID := "test-device-123"
	session := NewSession(deviceID)

	if session.DeviceID != deviceID {
		t.Errorf("Expected device ID %s, got %s", deviceID, session.DeviceID)
	}

	if session.Status != SessionStatusActive {
		t.Errorf("Expected status %s, got %s", SessionStatusActive, session.Status)
	}

	if session.ID == "" {
		t.Error("Expected session ID to be generated")
	}

	if session.Metadata.SampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", session.Metadata.SampleRate)
	}

	if session.Metadata.PrivacyLevel != PrivacyStandard {
		t.Errorf("Expected privacy level %s, got %s", PrivacyStandard, session.Metadata.PrivacyLevel)
	}
}

func TestRecordTurn(t *testing.T) {
	session := NewSession("test-device")

	session.RecordTurn()
	session.RecordTurn()

	if session.TurnCount != 2 {
		t.Errorf("Expected 2 turns, got %d", session.TurnCount)
	}

	if session.LastTurnAt == nil {
		t.Error("Expected LastTurnAt to be set")
	}
}

func TestSessionExpiration(t *testing.T) {
	session := NewSession("test-device")

	if session.IsExpired() {
		t.Error("Session should not be expired initially")
	}

	session.ExpiresAt = time.Now().Add(-1 * time.Hour)
	if !session.IsExpired() {
		t.Error("Session should be expired when ExpiresAt is in the past")
	}

	session.ExpiresAt = time.Now().Add(1 * time.Hour)
	session.Status = SessionStatusTerminated
	if !session.IsExpired() {
		t.Error("Session should be expired when status is terminated")
	}
}

func TestCanContinue(t *testing.T) {
	var missing *Session
	if missing.CanContinue() {
		t.Error("Nil session must not be continued")
	}

	session := NewSession("test-device")
	if !session.CanContinue() {
		t.Error("Fresh session without turns should be continued")
	}

	session.RecordTurn()
	if !session.CanContinue() {
		t.Error("Session with a recent turn should be continued")
	}

	oldTime := time.Now().Add(-31 * time.Minute)
	session.LastTurnAt = &oldTime
	if session.CanContinue() {
		t.Error("Session with an old last turn should not be continued")
	}

	session.RecordTurn()
	session.Terminate()
	if session.CanContinue() {
		t.Error("Terminated session should not be continued")
	}
}

func TestSessionValidation(t *testing.T) {
	session := NewSession("test-device")
	if err := session.Validate(); err != nil {
		t.Errorf("Valid session should not have validation errors, got: %v", err)
	}

	session.DeviceID = ""
	if err := session.Validate(); err == nil {
		t.Error("Session with empty device ID should have validation error")
	}

	session.DeviceID = "test-device"
	session.Status = SessionStatus("invalid")
	if err := session.Validate(); err == nil {
		t.Error("Session with invalid status should have validation error")
	}

	session.Status = SessionStatusActive
	session.Metadata.PrivacyLevel = PrivacyLevel("paranoid")
	if err := session.Validate(); err == nil {
		t.Error("Session with unknown privacy level should have validation error")
	}
}

func TestUpdateLastActive(t *testing.T) {
	session := NewSession("test-device")
	originalLastActive := session.LastActiveAt
	originalExpiresAt := session.ExpiresAt

	time.Sleep(10 * time.Millisecond)

	session.UpdateLastActive()

	if !session.LastActiveAt.After(originalLastActive) {
		t.Error("LastActiveAt should be updated to a later time")
	}

	if !session.ExpiresAt.After(originalExpiresAt) {
		t.Error("ExpiresAt should be extended")
	}

	expectedExpiration := session.LastActiveAt.Add(24 * time.Hour)
	if session.ExpiresAt.Sub(expectedExpiration).Abs() > time.Second {
		t.Error("ExpiresAt should be 24 hours from LastActiveAt")
	}
}
