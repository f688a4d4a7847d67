package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/internal/auth"
	"github.com/satriahrh/tutur/internal/metrics"
	"github.com/satriahrh/tutur/internal/router"
	"github.com/satriahrh/tutur/internal/websocket"
)

const serviceName = "tutur-server"

// DeviceValidator checks device credentials
type DeviceValidator interface {
	ValidateDevice(serialNumber, secret string) (*entities.Device, error)
}

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Dependencies are the collaborators the HTTP surface reads from. Storage is
// nil when sessions live in memory.
type Dependencies struct {
	Hub     *websocket.Hub
	Storage HealthChecker
	Devices DeviceValidator
	Issuer  *auth.Issuer
	Tracker *metrics.Tracker
	Router  *router.Router
	Logger  *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return health(c, deps)
	})

	e.GET("/metrics", func(c echo.Context) error {
		return c.JSON(http.StatusOK, MetricsResponse{
			GeneratedAt: time.Now(),
			Snapshot:    deps.Tracker.Snapshot(),
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.GET("/router", func(c echo.Context) error {
		return c.JSON(http.StatusOK, deps.Router.Status())
	})

	// Device APIs
	v1.POST("/device/auth", func(c echo.Context) error {
		return deviceAuth(c, deps.Devices, deps.Issuer, logger)
	})

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(deps.Hub, deps.Issuer, c, logger)
	})
}

func health(c echo.Context, deps Dependencies) error {
	snapshot := deps.Tracker.Snapshot()
	resp := HealthResponse{
		Status:         "ok",
		Service:        serviceName,
		Healthy:        snapshot.Healthy,
		ActiveSessions: snapshot.ActiveSessions,
	}
	if deps.Hub != nil {
		resp.ActiveDevices = len(deps.Hub.ActiveDevices())
	}
	resp.Storage = "memory"
	if deps.Storage != nil {
		resp.Storage = "ok"
		if err := deps.Storage.Check(c.Request().Context()); err != nil {
			deps.Logger.Warn("Storage health check failed", zap.Error(err))
			resp.Storage = "unavailable"
		}
	}
	if !snapshot.Healthy || resp.Storage == "unavailable" {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

func deviceAuth(c echo.Context, devices DeviceValidator, issuer *auth.Issuer, logger *zap.Logger) error {
	var req DeviceAuthRequest

	// Bind and validate request
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind device auth request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	// Validate required fields
	if req.SerialNumber == "" || req.SecretKey == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Serial number and secret key are required",
		})
	}

	device, err := devices.ValidateDevice(req.SerialNumber, req.SecretKey)
	if err != nil {
		logger.Warn("Device authentication failed",
			zap.String("serial_number", req.SerialNumber),
			zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid device credentials",
		})
	}

	// Generate JWT token for the device
	token, expiresAt, err := issuer.GenerateDeviceToken(device.ID)
	if err != nil {
		logger.Error("Failed to generate device token",
			zap.String("device_id", device.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	logger.Info("Device authenticated successfully",
		zap.String("device_id", device.ID),
		zap.String("serial_number", device.SerialNumber))

	return c.JSON(http.StatusOK, DeviceAuthResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		DeviceID:  device.ID,
	})
}

// bearerToken reads the JWT from the Authorization header, falling back to the
// token query parameter for clients that cannot set headers on upgrade
func bearerToken(c echo.Context) string {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok && token != "" {
		return token
	}
	return c.QueryParam("token")
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func websocketWithAuth(hub *websocket.Hub, issuer *auth.Issuer, c echo.Context, logger *zap.Logger) error {
	token := bearerToken(c)
	if token == "" {
		logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required",
		})
	}

	// Validate JWT token
	claims, err := issuer.ValidateToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	// Verify this is a device token
	if claims.Role != auth.RoleDevice {
		logger.Warn("WebSocket connection rejected: invalid role",
			zap.String("role", claims.Role))
		return c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "invalid_role",
			Message: "Only device tokens are allowed for WebSocket connections",
		})
	}

	deviceID := claims.DeviceID
	if deviceID == "" {
		logger.Error("WebSocket connection rejected: missing device ID in token")
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_token_claims",
			Message: "Device ID not found in token",
		})
	}

	logger.Info("WebSocket connection authenticated",
		zap.String("device_id", deviceID),
		zap.String("role", claims.Role))

	return websocket.HandleWebSocketWithAuth(hub, c, deviceID, logger)
}
