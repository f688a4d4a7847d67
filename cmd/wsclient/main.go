// Command wsclient authenticates as a device, opens a voice session and
// streams a WAV file, raw PCM16 or a generated tone, printing every event the
// server sends back.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type options struct {
	server   string
	serial   string
	secret   string
	file     string
	rate     int
	language string
	privacy  string
	chunk    time.Duration
	tone     time.Duration
	linger   time.Duration
}

type deviceAuthRequest struct {
	SerialNumber string `json:"serial_number"`
	SecretKey    string `json:"secret_key"`
}

type deviceAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
}

type event struct {
	Type      string          `json:"type"`
	Seq       uint64          `json:"seq"`
	SessionID string          `json:"session_id"`
	TurnID    string          `json:"turn_id"`
	Payload   json.RawMessage `json:"payload"`
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "http://localhost:8080", "server base URL")
	flag.StringVar(&opts.serial, "serial", "DEV-0001", "device serial number")
	flag.StringVar(&opts.secret, "secret", "dev-secret", "device secret key")
	flag.StringVar(&opts.file, "file", "", "WAV or raw PCM16 mono file to stream; a tone is generated when empty")
	flag.IntVar(&opts.rate, "rate", 16000, "sample rate for raw PCM and generated tones")
	flag.StringVar(&opts.language, "language", "en-US", "recognition language")
	flag.StringVar(&opts.privacy, "privacy", "standard", "privacy level: standard or strict")
	flag.DurationVar(&opts.chunk, "chunk", 100*time.Millisecond, "audio per binary frame")
	flag.DurationVar(&opts.tone, "tone", 800*time.Millisecond, "generated tone length")
	flag.DurationVar(&opts.linger, "linger", 5*time.Second, "time to keep reading events after the audio ends")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Fatal("wsclient failed", zap.Error(err))
	}
}

func run(ctx context.Context, opts options, logger *zap.Logger) error {
	pcm, rate, err := loadAudio(opts)
	if err != nil {
		return err
	}

	token, deviceID, err := authenticate(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to authenticate device: %w", err)
	}
	logger.Info("Device authenticated", zap.String("deviceID", deviceID))

	wsURL, err := websocketURL(opts.server)
	if err != nil {
		return err
	}
	headers := http.Header{}
	headers.Add("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ready := make(chan struct{})
	done := make(chan struct{})
	go readEvents(conn, ready, done, logger)

	start := map[string]any{
		"type":          "session.start",
		"sample_rate":   rate,
		"language":      opts.language,
		"privacy_level": opts.privacy,
	}
	if err := conn.WriteJSON(start); err != nil {
		return fmt.Errorf("send session.start: %w", err)
	}

	select {
	case <-ready:
	case <-done:
		return errors.New("connection closed before session.ready")
	case <-ctx.Done():
		return nil
	case <-time.After(15 * time.Second):
		return errors.New("timed out waiting for session.ready")
	}

	if err := stream(ctx, conn, pcm, rate, opts.chunk, logger); err != nil {
		return err
	}

	select {
	case <-time.After(opts.linger):
	case <-done:
	case <-ctx.Done():
	}

	if err := conn.WriteJSON(map[string]string{"type": "session.stop"}); err != nil {
		logger.Warn("Failed to send session.stop", zap.Error(err))
	}
	err = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return nil
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}

func authenticate(ctx context.Context, opts options) (string, string, error) {
	body, err := json.Marshal(deviceAuthRequest{SerialNumber: opts.serial, SecretKey: opts.secret})
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(opts.server, "/")+"/api/v1/device/auth", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("authentication failed: %s", string(raw))
	}

	var authResp deviceAuthResponse
	if err := json.Unmarshal(raw, &authResp); err != nil {
		return "", "", err
	}
	return authResp.Token, authResp.DeviceID, nil
}

func websocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func readEvents(conn *websocket.Conn, ready, done chan struct{}, logger *zap.Logger) {
	defer close(done)
	readyClosed := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Info("Connection closed", zap.Error(err))
			}
			return
		}

		var ev event
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Warn("Unreadable event", zap.Error(err))
			continue
		}

		fields := []zap.Field{zap.Uint64("seq", ev.Seq)}
		if ev.TurnID != "" {
			fields = append(fields, zap.String("turnID", ev.TurnID))
		}
		if ev.Type == "tts.audio_chunk" {
			fields = append(fields, zap.Int("payloadBytes", len(ev.Payload)))
		} else if len(ev.Payload) > 0 {
			fields = append(fields, zap.String("payload", string(ev.Payload)))
		}
		logger.Info(ev.Type, fields...)

		if ev.Type == "session.ready" && !readyClosed {
			readyClosed = true
			close(ready)
		}
	}
}

// stream sends pcm in real time, one binary frame per chunk
func stream(ctx context.Context, conn *websocket.Conn, pcm []byte, rate int, chunk time.Duration, logger *zap.Logger) error {
	frameBytes := int(int64(rate)*int64(chunk)/int64(time.Second)) * 2
	if frameBytes <= 0 {
		return errors.New("chunk duration too short")
	}

	ticker := time.NewTicker(chunk)
	defer ticker.Stop()

	sent := 0
	for offset := 0; offset < len(pcm); offset += frameBytes {
		end := min(offset+frameBytes, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[offset:end]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		sent++

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
	logger.Info("Audio sent", zap.Int("frames", sent), zap.Int("bytes", len(pcm)))
	return nil
}

func loadAudio(opts options) ([]byte, int, error) {
	if opts.file == "" {
		return tone(opts.rate, opts.tone), opts.rate, nil
	}
	data, err := os.ReadFile(opts.file)
	if err != nil {
		return nil, 0, err
	}
	if bytes.HasPrefix(data, []byte("RIFF")) {
		return parseWAV(data)
	}
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	return data, opts.rate, nil
}

// tone renders a 440 Hz burst followed by a second of silence so the server
// sees an utterance end
func tone(rate int, length time.Duration) []byte {
	voiced := int(int64(rate) * int64(length) / int64(time.Second))
	total := voiced + rate
	out := make([]byte, total*2)
	for i := 0; i < voiced; i++ {
		v := 0.3 * math.Sin(2*math.Pi*440*float64(i)/float64(rate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

// parseWAV extracts mono PCM16 from a RIFF/WAVE file. Stereo input keeps the
// left channel.
func parseWAV(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[8:12]) != "WAVE" {
		return nil, 0, errors.New("not a WAVE file")
	}

	var (
		format   uint16
		channels uint16
		rate     uint32
		bits     uint16
		pcm      []byte
	)
	for offset := 12; offset+8 <= len(data); {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, errors.New("short fmt chunk")
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = binary.LittleEndian.Uint16(data[body+2:])
			rate = binary.LittleEndian.Uint32(data[body+4:])
			bits = binary.LittleEndian.Uint16(data[body+14:])
		case "data":
			pcm = data[body : body+size]
		}
		offset = body + size + size%2
	}

	if format != 1 || bits != 16 {
		return nil, 0, fmt.Errorf("unsupported WAV encoding: format %d, %d bits", format, bits)
	}
	if pcm == nil {
		return nil, 0, errors.New("WAV file has no data chunk")
	}
	if channels > 1 {
		stride := int(channels) * 2
		mono := make([]byte, 0, len(pcm)/int(channels))
		for i := 0; i+1 < len(pcm); i += stride {
			mono = append(mono, pcm[i], pcm[i+1])
		}
		pcm = mono
	}
	return pcm, int(rate), nil
}
