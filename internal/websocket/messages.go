package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/satriahrh/tutur/domain"
	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/usecase"
)

// MessageType names an inbound control message. Binary frames carry mic
// audio and have no type.
type MessageType string

const (
	MessageTypeSessionStart MessageType = "session.start"
	MessageTypeSessionStop  MessageType = "session.stop"
	MessageTypeCalibrate    MessageType = "calibrate"
	MessageTypePing         MessageType = "ping"
)

// Error codes sent to devices for transport-level problems
const (
	CodeInvalidMessage     = "invalid_message"
	CodeSessionActive      = "session_active"
	CodeNoSession          = "no_session"
	CodeSessionStartFailed = "session_start_failed"
	CodeInvalidAudio       = "invalid_audio"
)

// ControlMessage is any inbound text frame. Only the fields of its type are
// read.
type ControlMessage struct {
	Type MessageType `json:"type"`

	// session.start
	SampleRate   int                   `json:"sample_rate,omitempty"`
	Language     string                `json:"language,omitempty"`
	Voice        string                `json:"voice,omitempty"`
	Rate         float64               `json:"rate,omitempty"`
	PrivacyLevel entities.PrivacyLevel `json:"privacy_level,omitempty"`

	// ping
	Data string `json:"data,omitempty"`
}

// SessionOptions maps a session.start message onto the service's options
func (m ControlMessage) SessionOptions() usecase.SessionOptions {
	return usecase.SessionOptions{
		SampleRate:   m.SampleRate,
		Language:     m.Language,
		Voice:        m.Voice,
		Rate:         m.Rate,
		PrivacyLevel: m.PrivacyLevel,
	}
}

// MessageValidator provides validation for inbound control messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses and checks one text frame
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		return msg, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch msg.Type {
	case MessageTypeSessionStart:
		return msg, v.validateSessionStart(msg)
	case MessageTypeSessionStop, MessageTypeCalibrate, MessageTypePing:
		return msg, nil
	case "":
		return msg, fmt.Errorf("message type is required")
	default:
		return msg, fmt.Errorf("unsupported message type: %s", msg.Type)
	}
}

func (v *MessageValidator) validateSessionStart(msg ControlMessage) error {
	if msg.SampleRate != 0 && (msg.SampleRate < 8000 || msg.SampleRate > 48000) {
		return fmt.Errorf("sample_rate must be between 8000 and 48000")
	}
	if msg.Rate < 0 {
		return fmt.Errorf("rate must not be negative")
	}
	switch msg.PrivacyLevel {
	case "", entities.PrivacyStandard, entities.PrivacyStrict:
	default:
		return fmt.Errorf("privacy_level must be one of: standard, strict")
	}
	return nil
}

// CreateErrorEvent builds an error event that is not tied to a session turn
func CreateErrorEvent(code, message string) domain.Event {
	return domain.Event{
		Type:      domain.EventError,
		Timestamp: time.Now(),
		Payload:   domain.ErrorPayload{Code: code, Message: message},
	}
}

// CreatePongEvent answers a ping received before any session started
func CreatePongEvent(data string) domain.Event {
	return domain.Event{
		Type:      domain.EventPong,
		Timestamp: time.Now(),
		Payload:   map[string]string{"data": data},
	}
}
