// WebSocket hub for real-time game event broadcasting.
// Player dashboards subscribe here to learn about settled trades, round
// transitions, and price updates without polling.
package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stockgame/engine/internal/metrics"
)

// Event types sent to WebSocket clients.
const (
	EventTradeExecuted = "trade_executed"
	EventRoundChanged  = "round_changed"
	EventPricesUpdated = "prices_updated"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type           string `json:"type"`
	Round          int    `json:"round,omitempty"`
	TradingAllowed *bool  `json:"trading_allowed,omitempty"`
	InstrumentID   string `json:"instrument_id,omitempty"`
	Side           string `json:"side,omitempty"`
	Quantity       int64  `json:"quantity,omitempty"`
}

// wsClient is one connected subscriber. The write mutex serializes the
// hub's broadcasts with the keepalive pings; gorilla/websocket forbids
// concurrent writers on one connection.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// WSHub manages WebSocket connections and broadcasts game events to all
// connected clients.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			metrics.WebSocketClients.Set(float64(total))
			h.mu.Unlock()
			slog.Info("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case msg := <-h.broadcast:
			// Full lock: failed writers are evicted during iteration.
			h.mu.Lock()
			for client := range h.clients {
				if err := client.write(websocket.TextMessage, msg); err != nil {
					client.conn.Close()
					delete(h.clients, client)
				}
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
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

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn}
	h.register <- client

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- client }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[client]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := client.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
