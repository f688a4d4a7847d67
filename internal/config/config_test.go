package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, ProviderMock, cfg.RecognitionProvider)
	assert.Equal(t, ProviderNone, cfg.CloudProvider)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
	assert.Equal(t, []string{SinkLog}, cfg.MetricsSinks)
	assert.Equal(t, 16000, cfg.Pipeline.Metadata.SampleRate)
	assert.Equal(t, 100*time.Millisecond, cfg.Pipeline.Playback.Buffer.Prebuffer)
	assert.Equal(t, 1000, cfg.Router.HistorySize)

	require.NoError(t, Validate(cfg))
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SAMPLE_RATE", "24000")
	t.Setenv("BARGE_IN_GRACE", "250")
	t.Setenv("ROUTER_BREAKER_COOLDOWN", "2m")
	t.Setenv("ROUTER_CLOUD_ENABLED", "false")
	t.Setenv("METRICS_SINKS", "log, mongo")
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 24000, cfg.Pipeline.Metadata.SampleRate)
	assert.Equal(t, 24000, cfg.Pipeline.Canceller.SampleRate)
	assert.Equal(t, 24000, cfg.Pipeline.Playback.Buffer.SampleRate)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.Detector.Grace)
	assert.Equal(t, 2*time.Minute, cfg.Router.Breaker.Cooldown)
	assert.False(t, cfg.Router.CloudEnabled)
	assert.Equal(t, []string{SinkLog, SinkMongo}, cfg.MetricsSinks)

	require.NoError(t, Validate(cfg))
}

func TestLoadDeviceCredentialsAndTerms(t *testing.T) {
	t.Setenv("DEVICE_CREDENTIALS", "SN-001:alpha, SN-002:beta")
	t.Setenv("PRIVACY_BLOCKED_TERMS", "password,pin")
	t.Setenv("ACK_WARM_TIMEOUT", "1s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"SN-001": "alpha", "SN-002": "beta"}, cfg.DeviceCredentials)
	assert.Equal(t, []string{"password", "pin"}, cfg.BlockedTerms)
	assert.Equal(t, time.Second, cfg.AckWarmTimeout)
}

func TestLoadRejectsMalformedDeviceCredentials(t *testing.T) {
	t.Setenv("DEVICE_CREDENTIALS", "SN-001")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEVICE_CREDENTIALS")
}

func TestLoadCollectsParseErrors(t *testing.T) {
	t.Setenv("JWT_EXPIRY", "soon")
	t.Setenv("ACK_CACHE_SIZE", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_EXPIRY")
	assert.Contains(t, err.Error(), "ACK_CACHE_SIZE")
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"production needs secret", func(c *Config) { c.Environment = EnvProduction }, "JWT_SECRET"},
		{"unknown recognizer", func(c *Config) { c.RecognitionProvider = "whisper" }, "RECOGNITION_PROVIDER"},
		{"mongo sink needs uri", func(c *Config) { c.MetricsSinks = []string{SinkMongo} }, "MONGODB_URI"},
		{"mismatched rates", func(c *Config) { c.Pipeline.Canceller.SampleRate = 8000 }, "pipeline"},
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"heartbeat outlives idle timeout", func(c *Config) { c.HeartbeatInterval = time.Hour }, "SESSION_HEARTBEAT_INTERVAL"},
		{"gemini needs key", func(c *Config) { c.CloudProvider = ProviderGemini }, "GEMINI_API_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.MetricsSinks = append([]string(nil), base.MetricsSinks...)
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
