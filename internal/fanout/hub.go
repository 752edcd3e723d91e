// Package fanout delivers bus events to websocket clients and to NATS, and
// tracks which conversations clients currently have open.
package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/wpp-relay/internal/bus"
	"github.com/matheus3301/wpp-relay/internal/metrics"
)

// Client to hub commands.
const (
	CmdOpen      = "conversation:open"
	CmdClose     = "conversation:close"
	CmdHeartbeat = "heartbeat"
)

const (
	DefaultActiveTTL = 2 * time.Minute

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Command is a message a websocket client sends to the hub.
type Command struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Hub serves websocket clients. Each client is bound to one account and
// receives that account's bus events as JSON text frames.
type Hub struct {
	bus      *bus.Bus
	ttl      time.Duration
	logger   *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a hub. A conversation stays active for ttl after the last
// open or heartbeat from a client that has it open.
func NewHub(b *bus.Bus, ttl time.Duration, logger *zap.Logger) *Hub {
	if ttl <= 0 {
		ttl = DefaultActiveTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bus:    b,
		ttl:    ttl,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:     time.Now,
		clients: make(map[*client]struct{}),
	}
}

// IsActive reports whether any connected client of the account has the
// conversation open.
func (h *Hub) IsActive(accountID, conversationID string) bool {
	now := h.now()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.account == accountID && c.isOpen(conversationID, now, h.ttl) {
			return true
		}
	}
	return false
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close sends a going-away close frame to every client and closes its
// connection. ServeWS calls then return as their read loops fail.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for c := range h.clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	}
}

// ServeWS upgrades the request and serves the client until it disconnects.
// The account is taken from the "account" query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		http.Error(w, `{"error":"account is required"}`, http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		account: account,
		open:    make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	events, unsub := h.bus.SubscribeAccount("", account, sendBuffer)
	h.register(c)

	go c.writePump(events)
	c.readPump()

	close(c.done)
	unsub()
	h.unregister(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.WebsocketClients.Inc()
	h.logger.Info("websocket client connected", zap.String("account", c.account))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	metrics.WebsocketClients.Dec()
	h.refreshGauge()
	h.logger.Info("websocket client disconnected", zap.String("account", c.account))
}

func (h *Hub) refreshGauge() {
	now := h.now()
	total := 0
	h.mu.RLock()
	for c := range h.clients {
		total += c.openCount(now, h.ttl)
	}
	h.mu.RUnlock()
	metrics.ActiveConversations.Set(float64(total))
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	account string
	done    chan struct{}

	mu   sync.Mutex
	open map[string]time.Time
}

func (c *client) isOpen(conversationID string, now time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen, ok := c.open[conversationID]
	return ok && now.Sub(seen) < ttl
}

func (c *client) openCount(now time.Time, ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, seen := range c.open {
		if now.Sub(seen) < ttl {
			n++
		}
	}
	return n
}

// apply executes a client command.
func (c *client) apply(cmd Command, now time.Time, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cmd.Type {
	case CmdOpen:
		if cmd.ConversationID != "" {
			c.open[cmd.ConversationID] = now
		}
	case CmdClose:
		delete(c.open, cmd.ConversationID)
	case CmdHeartbeat:
		for id, seen := range c.open {
			if now.Sub(seen) >= ttl {
				delete(c.open, id)
				continue
			}
			c.open[id] = now
		}
	}
}

func (c *client) readPump() {
	defer func() { _ = c.conn.Close() }()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read failed", zap.String("account", c.account), zap.Error(err))
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.hub.logger.Debug("invalid websocket command", zap.String("account", c.account), zap.Error(err))
			continue
		}
		c.apply(cmd, c.hub.now(), c.hub.ttl)
		c.hub.refreshGauge()
	}
}

func (c *client) writePump(events <-chan bus.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case evt := <-events:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
