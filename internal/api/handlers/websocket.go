package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/freeip/internal/logging"
	"github.com/anstrom/freeip/internal/session"
)

const (
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
	bufferSize      = 256                                                // Per-client send queue length
)

// Message types.
const (
	MessageTypeSnapshot   = "snapshot"
	MessageTypeScanUpdate = "scan_update"
)

// WebSocketMessage represents a WebSocket message structure.
type WebSocketMessage struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      session.Update `json:"data"`
	RequestID string         `json:"request_id,omitempty"`
}

// SnapshotFunc returns the current state sent to a client on connect.
type SnapshotFunc func() session.Update

// client is one connected peer. send is closed by whoever removes the
// client from the hub.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	requestID string
}

// WebSocketHandler streams scan updates to connected clients. It is a
// session.Observer: every notification becomes one scan_update message
// for every client.
type WebSocketHandler struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader
	snapshot SnapshotFunc

	mutex   sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewWebSocketHandler creates a new WebSocket handler. checkOrigin may be
// nil to accept every origin.
func NewWebSocketHandler(snapshot SnapshotFunc, checkOrigin func(*http.Request) bool, logger *logging.Logger) *WebSocketHandler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WebSocketHandler{
		logger:   logger.WithFields("handler", "websocket"),
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[*client]struct{}),
	}
}

// ScanWebSocket upgrades the connection and streams updates until the
// peer goes away or the handler shuts down.
func (h *WebSocketHandler) ScanWebSocket(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestIDFromContext(r.Context())

	h.mutex.RLock()
	closed := h.closed
	h.mutex.RUnlock()
	if closed {
		writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("server is shutting down"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		h.logger.Warn("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}
	h.logger.Debug("New scan WebSocket connection", "request_id", requestID, "remote_addr", r.RemoteAddr)

	c := &client{
		conn:      conn,
		send:      make(chan []byte, bufferSize),
		requestID: requestID,
	}

	// Taken before registering: snapshot locks the session, which may be
	// waiting on OnUpdate, which needs h.mutex.
	var initial []byte
	if h.snapshot != nil {
		initial, err = encodeMessage(MessageTypeSnapshot, h.snapshot(), requestID)
		if err != nil {
			h.logger.Error("Failed to encode snapshot", "request_id", requestID, "error", err)
		}
	}

	if !h.register(c, initial) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// OnUpdate implements session.Observer.
func (h *WebSocketHandler) OnUpdate(u session.Update) {
	data, err := encodeMessage(MessageTypeScanUpdate, u, "")
	if err != nil {
		h.logger.Error("Failed to encode scan update", "error", err)
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("Client send queue full, disconnecting", "request_id", c.requestID)
			h.removeLocked(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Shutdown disconnects every client and refuses new ones.
func (h *WebSocketHandler) Shutdown() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *WebSocketHandler) register(c *client, initial []byte) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		return false
	}
	if initial != nil {
		c.send <- initial
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("Client registered", "request_id", c.requestID, "total_clients", len(h.clients))
	return true
}

func (h *WebSocketHandler) unregister(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.removeLocked(c)
}

func (h *WebSocketHandler) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("Client unregistered", "request_id", c.requestID, "total_clients", len(h.clients))
}

// readPump discards client messages and detects disconnects.
func (h *WebSocketHandler) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.logger.Error("Failed to set read deadline", "request_id", c.requestID, "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket unexpected close", "request_id", c.requestID, "error", err)
			}
			return
		}
	}
}

// writePump is the only writer on c.conn.
func (h *WebSocketHandler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("Write failed, closing connection", "request_id", c.requestID, "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed, closing connection", "request_id", c.requestID, "error", err)
				return
			}
		}
	}
}

func encodeMessage(messageType string, u session.Update, requestID string) ([]byte, error) {
	data, err := json.Marshal(WebSocketMessage{
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Data:      u,
		RequestID: requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", messageType, err)
	}
	return data, nil
}
