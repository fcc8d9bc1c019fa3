// internal/agent/websocket.go
package agent

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all connections for now.
		return true
	},
}

// InteractionRequest is a user message received over WebSocket. Type "say"
// submits an utterance; "cancel" aborts the in-flight turn.
type InteractionRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Type      string `json:"type"`
	Utterance string `json:"utterance,omitempty"`
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id        string
	wsManager *WSManager
	conn      *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
}

// readPump pumps messages from the websocket connection into the engine.
func (c *Client) readPump() {
	defer func() {
		c.wsManager.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.wsManager.logger.Warn("Websocket client read error", zap.Error(err))
			}
			break
		}

		var req InteractionRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.wsManager.logger.Error("Failed to unmarshal incoming message", zap.Error(err), zap.ByteString("message", message))
			continue
		}
		if req.RequestID == "" {
			req.RequestID = uuid.New().String()
		}

		switch req.Type {
		case "cancel":
			c.wsManager.logger.Info("Cancel requested via WebSocket.", zap.String("request_id", req.RequestID))
			c.wsManager.engine.Cancel()

		case "say", "":
			if req.Utterance == "" {
				continue
			}
			c.wsManager.logger.Info("Received utterance via WebSocket.", zap.String("request_id", req.RequestID))
			// Turns are serialized inside the engine; each utterance runs to a
			// terminal state in its own goroutine so the read loop stays live
			// for cancel messages.
			go func(utterance string) {
				if err := c.wsManager.engine.HandleUtterance(c.wsManager.ctx, utterance); err != nil {
					c.wsManager.logger.Warn("Turn finished with error.", zap.Error(err))
				}
			}(req.Utterance)

		default:
			c.wsManager.logger.Warn("Unknown WebSocket request type.", zap.String("type", req.Type))
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
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// WSManager fans the engine's feedback stream out to websocket clients and
// feeds their utterances back into the engine.
type WSManager struct {
	engine     *Engine
	bus        *FeedbackBus
	ctx        context.Context
	logger     *zap.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// NewWSManager creates a new WSManager.
func NewWSManager(logger *zap.Logger, engine *Engine, bus *FeedbackBus) *WSManager {
	return &WSManager{
		engine:     engine,
		bus:        bus,
		logger:     logger.Named("ws_manager"),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run starts the websocket manager. It subscribes to the feedback bus and
// relays every event to all connected clients until the context ends.
func (m *WSManager) Run(ctx context.Context) {
	m.ctx = ctx
	m.logger.Info("WebSocket Manager started.")
	defer m.logger.Info("WebSocket Manager stopped.")

	events, unsubscribe := m.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for client := range m.clients {
				close(client.send)
				delete(m.clients, client)
			}
			m.mu.Unlock()
			// Acknowledge anything still buffered so the bus can shut down.
			unsubscribe()
			for event := range events {
				m.bus.Acknowledge(event)
			}
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			m.bus.Acknowledge(event)
			if err != nil {
				m.logger.Error("Failed to marshal feedback event", zap.Error(err))
				continue
			}
			m.dispatchToClients(payload)
		case client := <-m.register:
			m.mu.Lock()
			m.clients[client] = true
			m.logger.Info("New WebSocket client connected.", zap.String("client_id", client.id))
			m.mu.Unlock()
		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.send)
				m.logger.Info("WebSocket client disconnected.", zap.String("client_id", client.id))
			}
			m.mu.Unlock()
		}
	}
}

func (m *WSManager) dispatchToClients(message []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range m.clients {
		select {
		case client.send <- message:
		default:
			close(client.send)
			delete(m.clients, client)
		}
	}
}

// HandleWS handles websocket requests from the peer.
func (m *WSManager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	client := &Client{
		id:        uuid.New().String(),
		wsManager: m,
		conn:      conn,
		send:      make(chan []byte, 256),
	}
	m.register <- client

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
