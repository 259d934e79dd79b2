// Package ws bridges the pub/sub bus to browser and service clients over
// websocket. Clients pick the channels they want:
//
//	{"action":"subscribe","channels":["tick:GARAN","depth:*"]}
//
// and receive {"channel":"tick:GARAN","data":{...}} text frames.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/algofeed/internal/domain"
	"github.com/alanyoungcy/algofeed/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// envelope is the frame sent to clients.
type envelope struct {
	Type     string          `json:"type,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type controlMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// Hub fans bus messages out to subscribed websocket clients.
type Hub struct {
	bus     domain.SignalBus
	logger  *slog.Logger
	metrics metrics.Recorder

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, rec metrics.Recorder) *Hub {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Hub{
		bus:     bus,
		logger:  logger.With(slog.String("component", "ws_hub")),
		metrics: rec,
		clients: make(map[*client]struct{}),
	}
}

// Run subscribes to every bus channel and forwards messages until ctx is
// cancelled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) error {
	msgs, err := h.bus.PSubscribe(ctx, domain.BusPattern(""))
	if err != nil {
		return err
	}
	h.logger.Info("hub started")

	defer func() {
		h.mu.Lock()
		h.closed = true
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		h.logger.Info("hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			h.broadcast(msg)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client. New clients
// start with no subscriptions.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", slog.Int("total_clients", total))

	c.reply(envelope{Type: "welcome"})
	go c.writePump()
	go c.readPump()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client disconnected", slog.Int("total_clients", total))
}

func (h *Hub) broadcast(msg domain.BusMessage) {
	kind, symbol, ok := domain.ParseBusChannel(msg.Channel)
	if !ok {
		return
	}
	name := string(kind)
	if symbol != "" {
		name += ":" + symbol
	}
	frame, err := json.Marshal(envelope{Channel: name, Data: msg.Payload})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(name) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.metrics.Dropped("ws_client")
		}
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("unexpected close", slog.String("error", err.Error()))
			}
			return
		}

		var msg controlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(envelope{Type: "error", Data: json.RawMessage(`"invalid message"`)})
			continue
		}
		switch strings.ToLower(msg.Action) {
		case "subscribe":
			c.update(msg.Channels, true)
		case "unsubscribe":
			c.update(msg.Channels, false)
		case "list":
		default:
			c.reply(envelope{Type: "error", Data: json.RawMessage(`"unknown action"`)})
			continue
		}
		c.reply(envelope{Type: "subscriptions", Channels: c.channels()})
	}
}

func (c *client) update(channels []string, add bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		ch = normalizeChannel(ch)
		if ch == "" {
			continue
		}
		if add {
			c.subs[ch] = true
		} else {
			delete(c.subs, ch)
		}
	}
}

func (c *client) channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// isSubscribed matches exact names, "*" and "kind:*" prefixes.
func (c *client) isSubscribed(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs["*"] || c.subs[name] {
		return true
	}
	kind, _, _ := strings.Cut(name, ":")
	return c.subs[kind+":*"]
}

// reply queues a control frame. The hub lock keeps it from racing the
// close of c.send.
func (c *client) reply(e envelope) {
	frame, err := json.Marshal(e)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

// normalizeChannel lowercases the kind and uppercases the symbol:
// "Tick:garan" becomes "tick:GARAN" and a bare "depth" becomes "depth:*".
func normalizeChannel(ch string) string {
	ch = strings.TrimSpace(ch)
	if ch == "*" || ch == "" {
		return ch
	}
	kind, symbol, ok := strings.Cut(ch, ":")
	k, err := domain.ParseEventKind(kind)
	if err != nil {
		return ""
	}
	if k == domain.KindHeartbeat {
		return string(k)
	}
	if !ok || symbol == "" {
		return string(k) + ":*"
	}
	return string(k) + ":" + strings.ToUpper(symbol)
}
