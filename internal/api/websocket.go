package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cwt-line/kanban-agent/internal/kanban"
	"github.com/cwt-line/kanban-agent/internal/logging"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.trySend(message) {
					client.closeSend()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every client. It never blocks; when the
// queue is full the message is dropped.
func (h *WSHub) Broadcast(msgType string, payload interface{}) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return
	}
	message, _ := json.Marshal(WSMessage{Type: msgType, Payload: payloadBytes})
	select {
	case h.broadcast <- message:
	default:
		logging.Warn(logging.CatWebSocket, "Broadcast queue full, dropping message", map[string]any{
			"type": msgType,
		})
	}
}

// PublishEvent forwards station events to every client as kanban_event.
// It matches kanban.Sink.
func (h *WSHub) PublishEvent(ev kanban.Event) {
	h.Broadcast("kanban_event", ev)
}

// Global hub instance
var wsHub *WSHub

// InitWebSocket initializes the WebSocket hub, subscribes it to the station
// when one is set and returns the handler.
func InitWebSocket() http.HandlerFunc {
	wsHub = NewWSHub()
	go wsHub.Run()
	if station != nil {
		station.Subscribe(wsHub.PublishEvent)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
				"error":      err.Error(),
				"remoteAddr": r.RemoteAddr,
			})
			return
		}

		logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
			"remoteAddr": r.RemoteAddr,
		})

		client := newWSClient(conn, wsHub)
		wsHub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

func newWSClient(conn *websocket.Conn, hub *WSHub) *WSClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    hub,
		ctx:    ctx,
		cancel: cancel,
	}
}

// trySend queues message without blocking. It reports false when the
// client is closed or its buffer is full.
func (c *WSClient) trySend(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *WSClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	defer func() {
		// Abort any card wait this client started
		c.cancel()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// cardOps run off the read loop so pings and other requests keep flowing
// while a card wait is in progress.
var cardOps = map[string]bool{
	"connect_reader": true,
	"read_kanban":    true,
	"write_kanban":   true,
	"write_bypass":   true,
	"clear_card":     true,
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	if cardOps[msg.Type] {
		if station == nil {
			c.sendError(msg.ID, "kanban station not available")
			return
		}
		go func() {
			defer logging.RecoverAndLog("WebSocket "+msg.Type, false)
			c.handleCardOp(msg)
		}()
		return
	}

	switch msg.Type {
	case "reader_status":
		c.handleReaderStatus(msg.ID)
	case "list_readers":
		c.handleListReaders(msg.ID)
	case "version":
		c.handleVersion(msg.ID)
	case "health":
		c.handleHealth(msg.ID)
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) handleCardOp(msg WSMessage) {
	switch msg.Type {
	case "connect_reader":
		c.sendResponse(msg.ID, "reader_connected", station.ConnectReader())
	case "read_kanban":
		c.sendResponse(msg.ID, "kanban", station.ReadKanban(c.ctx))
	case "write_kanban":
		var req writeRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.sendError(msg.ID, "invalid payload")
			return
		}
		thread1 := strings.TrimSpace(req.Thread1)
		thread2 := strings.TrimSpace(req.Thread2)
		if thread1 == "" || thread2 == "" {
			c.sendError(msg.ID, "both thread1 and thread2 are required")
			return
		}
		c.sendResponse(msg.ID, "kanban_written", station.WriteKanban(c.ctx, thread1, thread2))
	case "write_bypass":
		if !c.confirmed(msg, "writing a bypass card requires confirm: true") {
			return
		}
		c.sendResponse(msg.ID, "bypass_written", station.WriteBypass(c.ctx))
	case "clear_card":
		if !c.confirmed(msg, "clearing a card requires confirm: true") {
			return
		}
		c.sendResponse(msg.ID, "card_cleared", station.ClearCard(c.ctx))
	}
}

func (c *WSClient) confirmed(msg WSMessage, errMsg string) bool {
	var req confirmRequest
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.sendError(msg.ID, "invalid payload")
			return false
		}
	}
	if !req.Confirm {
		c.sendError(msg.ID, errMsg)
		return false
	}
	return true
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.trySend(responseBytes)
}

func (c *WSClient) sendError(id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	responseBytes, _ := json.Marshal(response)
	c.trySend(responseBytes)
}

func (c *WSClient) handleReaderStatus(id string) {
	if station == nil {
		c.sendError(id, "kanban station not available")
		return
	}
	c.sendResponse(id, "reader_status", station.Status())
}

func (c *WSClient) handleListReaders(id string) {
	if station == nil {
		c.sendResponse(id, "readers", []any{})
		return
	}
	c.sendResponse(id, "readers", station.Readers())
}

func (c *WSClient) handleVersion(id string) {
	c.sendResponse(id, "version", map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (c *WSClient) handleHealth(id string) {
	readerCount := 0
	if station != nil {
		readerCount = len(station.Readers())
	}
	c.sendResponse(id, "health", map[string]interface{}{
		"status":      "ok",
		"readerCount": readerCount,
	})
}
