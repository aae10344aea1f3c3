package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// outboxSize bounds each subscriber's pending-message queue. spec.md §9
// models background fan-out work (outcome emission among them) as "fan-out
// messages on bounded channels with per-subscriber workers" where "failure
// in any subscriber does not affect" the others; the live outcome feed is
// the same shape of fan-out, so one stalled operator's browser must not
// block delivery to every other connected client.
const outboxSize = 32

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin header must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			// Accept if Origin host matches the request Host header.
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return u.Host == r.Host
		},
	}
}

// wsClient is one subscriber: a connection plus its own bounded outbox and
// writer goroutine. gorilla/websocket permits at most one concurrent
// writer per connection, so every send to conn goes through this one
// goroutine instead of being called directly from Broadcast.
type wsClient struct {
	conn   *websocket.Conn
	outbox chan []byte
}

// WebSocketHub manages WebSocket connections for the live outcome feed.
type WebSocketHub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
	dropped  prometheus.Counter
	done     chan struct{}
}

// NewWebSocketHub creates a new WebSocket hub. dropped, if non-nil, counts
// outcome events discarded because a subscriber's outbox was full.
func NewWebSocketHub(logger *slog.Logger, allowAllOrigins bool, dropped prometheus.Counter) *WebSocketHub {
	if dropped == nil {
		dropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "moat_ws_dropped_unused"})
	}
	return &WebSocketHub{
		clients:  make(map[*wsClient]bool),
		upgrader: newUpgrader(allowAllOrigins),
		logger:   logger,
		dropped:  dropped,
		done:     make(chan struct{}),
	}
}

// Run starts the hub (handles cleanup).
func (h *WebSocketHub) Run() {
	<-h.done
}

// Close shuts down the hub and all connections.
func (h *WebSocketHub) Close() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.outbox)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

// HandleWebSocket upgrades an HTTP connection to WebSocket and starts that
// client's dedicated writer worker plus its read pump.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, outbox: make(chan []byte, outboxSize)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr())

	go h.writeWorker(c)
	go h.readPump(c)
}

// writeWorker is the only goroutine allowed to write to c.conn. It drains
// the outbox until the hub closes it, on disconnect or shutdown.
func (h *WebSocketHub) writeWorker(c *wsClient) {
	for msg := range c.outbox {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("websocket write failed, dropping client", "error", err)
			h.removeClient(c)
			return
		}
	}
}

// readPump keeps the connection alive and detects client disconnects; the
// outcome feed is push-only, so inbound frames are discarded.
func (h *WebSocketHub) readPump(c *wsClient) {
	defer func() {
		h.removeClient(c)
		h.logger.Debug("websocket client disconnected", "remote", c.conn.RemoteAddr())
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) removeClient(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.outbox)
		_ = c.conn.Close()
	}
}

// Broadcast sends an outcome event to every connected subscriber's outbox,
// non-blocking. A full outbox means that subscriber cannot keep up; the
// event is dropped for it (counted in dropped) instead of blocking
// delivery to every other client, per spec.md §9's fan-out contract.
func (h *WebSocketHub) Broadcast(data interface{}) {
	msg, err := json.Marshal(map[string]interface{}{
		"type": "outcome",
		"data": data,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.outbox <- msg:
		default:
			h.dropped.Inc()
			h.logger.Debug("websocket subscriber outbox full, dropping message")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
