package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain"
	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/internal/pipeline"
	"github.com/satriahrh/tutur/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Outbound queue per client. tts.audio_chunk events dominate it.
	sendBufferSize = 256

	sessionStartTimeout = 15 * time.Second
	sessionCloseTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Hub maintains the set of active clients, one per device.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	voice     *usecase.VoiceService
	validator *MessageValidator

	ctx    context.Context
	cancel context.CancelFunc
	active sync.WaitGroup

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(voice *usecase.VoiceService, logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		voice:      voice,
		validator:  NewMessageValidator(),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}
}

// Run starts the hub's main loop. It returns after Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			previous, exists := h.clients[client.deviceID]
			h.clients[client.deviceID] = client
			h.mu.Unlock()
			if exists && previous != client {
				// One connection per device; the newer one wins.
				h.logger.Info("Replacing existing device connection", zap.String("deviceID", client.deviceID))
				previous.closeSend()
			}
			h.logger.Info("Client registered", zap.String("deviceID", client.deviceID))

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.deviceID]; ok && current == client {
				delete(h.clients, client.deviceID)
			}
			h.mu.Unlock()
			client.closeSend()
			h.logger.Info("Client unregistered", zap.String("deviceID", client.deviceID))

		case <-h.ctx.Done():
			return
		}
	}
}

// Shutdown disconnects every client and waits for their sessions to close
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()

	h.mu.Lock()
	for id, client := range h.clients {
		client.conn.Close()
		delete(h.clients, id)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveDevices lists the devices currently connected
func (h *Hub) ActiveDevices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	devices := make([]string, 0, len(h.clients))
	for id := range h.clients {
		devices = append(devices, id)
	}
	return devices
}

func (h *Hub) registerClient(c *Client) {
	select {
	case h.register <- c:
	case <-h.ctx.Done():
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
		c.closeSend()
	}
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and the hub. It is
// the downstream event sink of the device's voice session.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	sendMu     sync.Mutex
	sendClosed bool

	// Device ID for this client
	deviceID string

	// Logger
	logger *zap.Logger

	mutex      sync.Mutex
	session    *usecase.VoiceSession
	sampleRate int
}

// HandleWebSocketWithAuth handles websocket requests with pre-authenticated device ID
func HandleWebSocketWithAuth(hub *Hub, c echo.Context, deviceID string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan WriteData, sendBufferSize),
		deviceID: deviceID,
		logger:   logger.With(zap.String("deviceID", deviceID)),
	}

	hub.active.Add(1)
	hub.registerClient(client)

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// Emit forwards a pipeline event to the device. Events are dropped once the
// connection is gone or its queue is full.
func (c *Client) Emit(ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("Failed to marshal event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
	default:
		c.logger.Warn("Outbound queue full, dropping event",
			zap.String("type", string(ev.Type)),
			zap.Uint64("seq", ev.Seq))
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// readPump pumps messages from the websocket connection to the voice session.
func (c *Client) readPump() {
	defer func() {
		c.endSession(false)
		c.hub.unregisterClient(c)
		c.conn.Close()
		c.hub.active.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket closed unexpectedly", zap.Error(err))
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.processBinaryAudioChunk(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage processes incoming control messages from the device
func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Invalid control message", zap.Error(err))
		c.Emit(CreateErrorEvent(CodeInvalidMessage, err.Error()))
		return
	}

	switch msg.Type {
	case MessageTypeSessionStart:
		c.handleSessionStart(msg)
	case MessageTypeSessionStop:
		c.handleSessionStop()
	case MessageTypeCalibrate:
		c.handleCalibrate()
	case MessageTypePing:
		c.handlePing(msg.Data)
	}
}

// processBinaryAudioChunk decodes PCM16 mic audio and queues it for the session
func (c *Client) processBinaryAudioChunk(data []byte) {
	c.mutex.Lock()
	session, sampleRate := c.session, c.sampleRate
	c.mutex.Unlock()

	if session == nil {
		c.logger.Debug("Dropping audio received outside a session", zap.Int("size", len(data)))
		return
	}

	frame, err := entities.AudioFrameFromPCM16(data, sampleRate, entities.AudioSourceMic, time.Now())
	if err != nil {
		c.Emit(CreateErrorEvent(CodeInvalidAudio, err.Error()))
		return
	}
	if err := session.PushAudio(frame); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			c.logger.Warn("Audio queue full, frame dropped", zap.String("sessionID", session.ID()))
			return
		}
		c.logger.Debug("Audio not accepted", zap.String("sessionID", session.ID()), zap.Error(err))
	}
}

func (c *Client) handleSessionStart(msg ControlMessage) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.session != nil {
		c.Emit(CreateErrorEvent(CodeSessionActive, "session already started"))
		return
	}

	ctx, cancel := context.WithTimeout(c.hub.ctx, sessionStartTimeout)
	defer cancel()

	session, err := c.hub.voice.Open(ctx, c.deviceID, msg.SessionOptions(), c)
	if err != nil {
		c.logger.Error("Failed to start session", zap.Error(err))
		c.Emit(CreateErrorEvent(CodeSessionStartFailed, err.Error()))
		return
	}
	session.Start(c.hub.ctx)

	c.session = session
	c.sampleRate = session.Session().Metadata.SampleRate
	c.logger.Info("Voice session started",
		zap.String("sessionID", session.ID()),
		zap.Bool("resumed", session.Resumed()),
		zap.Int("sampleRate", c.sampleRate))
}

func (c *Client) handleSessionStop() {
	if !c.endSession(true) {
		c.Emit(CreateErrorEvent(CodeNoSession, "no active session"))
	}
}

func (c *Client) handleCalibrate() {
	c.mutex.Lock()
	session := c.session
	c.mutex.Unlock()

	if session == nil {
		c.Emit(CreateErrorEvent(CodeNoSession, "no active session"))
		return
	}
	session.Recalibrate()
}

func (c *Client) handlePing(data string) {
	c.mutex.Lock()
	session := c.session
	c.mutex.Unlock()

	if session == nil {
		c.Emit(CreatePongEvent(data))
		return
	}
	session.Pong(data)
}

// endSession closes the current session if any and reports whether one was
// open. A terminated session cannot be resumed.
func (c *Client) endSession(terminate bool) bool {
	c.mutex.Lock()
	session := c.session
	c.session = nil
	c.mutex.Unlock()

	if session == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
	defer cancel()
	if err := session.Close(ctx, terminate); err != nil {
		c.logger.Error("Failed to close session",
			zap.String("sessionID", session.ID()),
			zap.Error(err))
	}
	c.logger.Info("Voice session ended",
		zap.String("sessionID", session.ID()),
		zap.Bool("terminated", terminate))
	return true
}
