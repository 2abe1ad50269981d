package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alqutdigital/docqa-agent/internal/ingest"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Maximum number of queued messages before dropping.
	sendBufferSize = 64
)

// WSConfig holds WebSocket server configuration.
type WSConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBufferSize int
	AllowedOrigins []string
}

// DefaultWSConfig returns sensible defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteWait:      writeWait,
		PongWait:       pongWait,
		PingPeriod:     pingPeriod,
		MaxMessageSize: maxMessageSize,
		SendBufferSize: sendBufferSize,
		AllowedOrigins: []string{"*"},
	}
}

// WSMetrics holds WebSocket metrics.
type WSMetrics struct {
	ConnectionsTotal   atomic.Int64
	ConnectionsCurrent atomic.Int64
	MessagesSent       atomic.Int64
	MessagesDropped    atomic.Int64
	Errors             atomic.Int64
}

// WSMessage is a control message exchanged with clients.
type WSMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// WSClient is one WebSocket connection bound to a session.
type WSClient struct {
	ID        string
	sessionID string
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// Hub fans progress events out to the WebSocket clients of each session.
// It implements ingest.ProgressSink for in-process delivery, and can also be fed
// from NATS so that every server instance reaches its own clients.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSClient]struct{}
	config   WSConfig
	logger   *slog.Logger
	metrics  WSMetrics
	upgrader websocket.Upgrader
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg WSConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = sendBufferSize
	}

	return &Hub{
		sessions: make(map[string]map[*WSClient]struct{}),
		config:   cfg,
		logger:   logger.With("component", "websocket_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(cfg.AllowedOrigins) == 0 || cfg.AllowedOrigins[0] == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
	}
}

// Report implements ingest.ProgressSink.
func (h *Hub) Report(ctx context.Context, p ingest.Progress) {
	h.Deliver(p.SessionID, NewProgressEvent(p))
}

// Deliver sends event to every client of sessionID. Clients with a full buffer
// miss the event.
func (h *Hub) Deliver(sessionID string, event ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.sessions[sessionID] {
		select {
		case client.send <- data:
			h.metrics.MessagesSent.Add(1)
		default:
			h.metrics.MessagesDropped.Add(1)
			h.logger.Debug("client buffer full, dropping message", "client_id", client.ID)
		}
	}
}

// ListenNATS relays progress events received from NATS to local clients.
func (h *Hub) ListenNATS(client *NATSClient) error {
	return client.SubscribeProgress(h.Deliver)
}

// HandleWebSocket upgrades the request and streams the progress of the session
// named by the session_id query parameter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if _, err := uuid.Parse(sessionID); err != nil {
		http.Error(w, "session_id query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", "error", err)
		h.metrics.Errors.Add(1)
		return
	}

	client := &WSClient{
		ID:        uuid.New().String(),
		sessionID: sessionID,
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, h.config.SendBufferSize),
	}
	h.register(client)

	go client.writePump()
	go client.readPump()

	h.logger.Info("new WebSocket client connected",
		"client_id", client.ID,
		"session_id", sessionID,
	)
}

func (h *Hub) register(c *WSClient) {
	h.mu.Lock()
	clients, ok := h.sessions[c.sessionID]
	if !ok {
		clients = make(map[*WSClient]struct{})
		h.sessions[c.sessionID] = clients
	}
	clients[c] = struct{}{}
	h.mu.Unlock()

	h.metrics.ConnectionsTotal.Add(1)
	h.metrics.ConnectionsCurrent.Add(1)
}

func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	clients := h.sessions[c.sessionID]
	_, ok := clients[c]
	if ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.sessions, c.sessionID)
		}
	}
	h.mu.Unlock()

	if ok {
		c.close()
		h.metrics.ConnectionsCurrent.Add(-1)
		h.logger.Debug("client unregistered", "client_id", c.ID, "session_id", c.sessionID)
	}
}

// Stop closes every client connection.
func (h *Hub) Stop(ctx context.Context) error {
	h.logger.Info("stopping WebSocket hub")

	h.mu.Lock()
	var clients []*WSClient
	for _, set := range h.sessions {
		for c := range set {
			clients = append(clients, c)
		}
	}
	h.sessions = make(map[string]map[*WSClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		h.metrics.ConnectionsCurrent.Add(-1)
	}

	h.logger.Info("WebSocket hub stopped", "closed_clients", len(clients))
	return nil
}

// ClientCount returns the number of clients connected for sessionID.
func (h *Hub) ClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// GetMetrics returns current WebSocket metrics.
func (h *Hub) GetMetrics() map[string]int64 {
	return map[string]int64{
		"connections_total":   h.metrics.ConnectionsTotal.Load(),
		"connections_current": h.metrics.ConnectionsCurrent.Load(),
		"messages_sent":       h.metrics.MessagesSent.Load(),
		"messages_dropped":    h.metrics.MessagesDropped.Load(),
		"errors":              h.metrics.Errors.Load(),
	}
}

func (c *WSClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump consumes client frames so pings and closes are processed.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.config.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("client disconnected unexpectedly",
					"client_id", c.ID,
					"error", err,
				)
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.hub.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.metrics.Errors.Add(1)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage answers application-level pings; progress streams are one-way.
func (c *WSClient) handleMessage(message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.hub.logger.Debug("failed to unmarshal client message",
			"client_id", c.ID,
			"error", err,
		)
		return
	}

	if msg.Type != "ping" {
		return
	}

	data, err := json.Marshal(WSMessage{Type: "pong", Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.sessions[c.sessionID][c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
