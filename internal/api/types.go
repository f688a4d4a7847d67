package api

import (
	"time"

	"github.com/satriahrh/tutur/internal/metrics"
)

// DeviceAuthRequest represents the request payload for device authentication
type DeviceAuthRequest struct {
	SerialNumber string `json:"serial_number" validate:"required"`
	SecretKey    string `json:"secret_key" validate:"required"`
}

// DeviceAuthResponse represents the response payload for device authentication
type DeviceAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
}

// HealthResponse reports liveness and whether the latency targets hold
type HealthResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	Healthy        bool   `json:"healthy"`
	ActiveSessions int    `json:"active_sessions"`
	ActiveDevices  int    `json:"active_devices"`
	Storage        string `json:"storage"`
}

// MetricsResponse wraps the rolling latency snapshot
type MetricsResponse struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Snapshot    metrics.Snapshot `json:"snapshot"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
