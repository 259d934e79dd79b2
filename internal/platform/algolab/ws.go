// Package algolab implements the streaming-protocol client for the AlgoLab
// market-data websocket: signed handshake, heartbeat, subscription restore and
// reconnect with exponential backoff.
package algolab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/algofeed/internal/crypto"
	"github.com/alanyoungcy/algofeed/internal/domain"
	"github.com/alanyoungcy/algofeed/internal/metrics"
)

// Client owns the single upstream connection. Inbound frames are handed to
// the dispatcher through the bounded channel returned by Frames; when it is
// full the frame is dropped and counted rather than stalling the reader.
type Client struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger
	metrics  metrics.Recorder
	dialer   *websocket.Dialer

	state    fsm
	attempts atomic.Int32

	mu          sync.Mutex
	conn        *websocket.Conn
	token       string
	needToken   bool
	lastErr     error
	connectedAt time.Time
	hbStop      chan struct{}
	timer       *time.Timer
	tokenSource TokenSource
	onExhausted func(error)
	onConnected func()

	writeMu   sync.Mutex
	readers   sync.WaitGroup
	frames    chan domain.Frame
	closeOnce sync.Once
}

// NewClient creates a client in StateDisconnected. registry is owned by the
// caller and is restored on every successful open.
func NewClient(cfg Config, registry *Registry, logger *slog.Logger, rec metrics.Recorder) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Minute
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 1024
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Client{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With(slog.String("component", "algolab_ws")),
		metrics:  rec,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		frames: make(chan domain.Frame, cfg.FrameBuffer),
	}
}

// Frames returns the inbound frame channel. It is closed by Close.
func (c *Client) Frames() <-chan domain.Frame { return c.frames }

// Registry returns the subscription registry.
func (c *Client) Registry() *Registry { return c.registry }

// State returns the current connection state.
func (c *Client) State() State { return c.state.load() }

// Attempts returns the reconnect attempts made since the last successful open.
func (c *Client) Attempts() int { return int(c.attempts.Load()) }

// LastError returns the most recent connection error, if any.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Status returns a snapshot for the status endpoint.
func (c *Client) Status() Status {
	c.mu.Lock()
	st := Status{
		State:       c.state.load().String(),
		Attempts:    c.Attempts(),
		ConnectedAt: c.connectedAt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()
	st.Subscriptions = c.registry.List()
	return st
}

// SetTokenSource enables reconnecting after a rejected handshake.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	c.tokenSource = ts
	c.mu.Unlock()
}

// OnExhausted registers a callback invoked once the reconnect policy gives up.
func (c *Client) OnExhausted(fn func(error)) {
	c.mu.Lock()
	c.onExhausted = fn
	c.mu.Unlock()
}

// OnConnected registers a callback invoked after every successful open.
func (c *Client) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

// Connect performs a single handshake with sessionToken and blocks until the
// connection is open or ConnectTimeout elapses. On failure the client stays
// in StateDisconnected.
func (c *Client) Connect(ctx context.Context, sessionToken string) error {
	if !c.state.cas(StateDisconnected, StateConnecting) {
		if c.state.load() == StateClosed {
			return fmt.Errorf("algolab/ws: connect: %w", domain.ErrClosed)
		}
		return fmt.Errorf("algolab/ws: connect: already %s", c.state.load())
	}
	c.metrics.ConnectionState(StateConnecting.String())

	c.mu.Lock()
	c.token = sessionToken
	c.mu.Unlock()

	conn, err := c.dial(ctx, sessionToken)
	if err != nil {
		c.recordFailure(err)
		if c.state.cas(StateConnecting, StateDisconnected) {
			c.metrics.ConnectionState(StateDisconnected.String())
		}
		return err
	}
	return c.open(conn)
}

// Start connects and, when the first handshake fails with a retryable error,
// hands over to the reconnect policy. It returns an error only when the
// connection cannot be retried.
func (c *Client) Start(ctx context.Context, sessionToken string) error {
	err := c.Connect(ctx, sessionToken)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrClosed) {
		return err
	}
	if errors.Is(err, domain.ErrAuthRejected) && !c.hasTokenSource() {
		c.exhaust(err)
		return err
	}

	c.logger.Warn("initial connect failed, scheduling reconnect",
		slog.String("error", err.Error()),
	)
	if c.state.cas(StateDisconnected, StateReconnecting) {
		c.metrics.ConnectionState(StateReconnecting.String())
		c.scheduleReconnect()
	}
	return nil
}

// Send merges the session token into payload and writes it. It returns false
// without queueing when the client is not connected.
func (c *Client) Send(payload map[string]any) bool {
	if c.state.load() != StateConnected {
		c.logger.Warn("send skipped, not connected",
			slog.String("state", c.state.load().String()),
		)
		return false
	}

	c.mu.Lock()
	conn := c.conn
	token := c.token
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["token"] = token

	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal outbound message", slog.String("error", err.Error()))
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.metrics.Error(metrics.CategoryTransport)
		c.logger.Warn("write failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// Subscribe registers symbols on ch. When connected, the full symbol list for
// ch is sent; otherwise the registration is sent on the next open.
func (c *Client) Subscribe(ch domain.Channel, symbols ...string) error {
	added := c.registry.Add(ch, symbols...)
	if len(added) == 0 || c.state.load() != StateConnected {
		return nil
	}
	if !c.Send(subscribeMessage(ch, c.registry.Symbols(ch))) {
		c.registry.Remove(ch, added...)
		return fmt.Errorf("algolab/ws: subscribe %s: %w", ch, domain.ErrNotConnected)
	}
	c.logger.Info("subscribed", slog.String("channel", string(ch)), slog.Any("symbols", added))
	return nil
}

// Unsubscribe removes symbols from ch and tells the venue when connected.
func (c *Client) Unsubscribe(ch domain.Channel, symbols ...string) error {
	removed := c.registry.Remove(ch, symbols...)
	if len(removed) == 0 || c.state.load() != StateConnected {
		return nil
	}
	if !c.Send(unsubscribeMessage(ch, removed)) {
		return fmt.Errorf("algolab/ws: unsubscribe %s: %w", ch, domain.ErrNotConnected)
	}
	c.logger.Info("unsubscribed", slog.String("channel", string(ch)), slog.Any("symbols", removed))
	return nil
}

// Close moves the client to StateClosed, stops the heartbeat and any pending
// reconnect, closes the transport, clears the token and closes Frames. It is
// safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		prev := c.state.close()

		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.stopHeartbeatLocked()
		conn := c.conn
		c.conn = nil
		c.token = ""
		c.mu.Unlock()

		if conn != nil {
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			c.writeMu.Unlock()
			err = conn.Close()
		}

		c.readers.Wait()
		close(c.frames)
		c.metrics.ConnectionState(StateClosed.String())
		c.logger.Info("closed", slog.String("previous_state", prev.String()))
	})
	return err
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (c *Client) handshakeHeader(token string) http.Header {
	h := http.Header{}
	h.Set(headerAPIKey, c.cfg.APIKey)
	h.Set(headerAuthorization, token)
	h.Set(headerChecker, crypto.Checker(c.cfg.APIKey, c.cfg.Hostname, wsPath))
	return h
}

func (c *Client) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.handshakeHeader(token))
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("algolab/ws: handshake status %d: %w", resp.StatusCode, domain.ErrAuthRejected)
		}
		return nil, fmt.Errorf("algolab/ws: dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// open installs conn as the live connection. It fails if Close won the race.
func (c *Client) open(conn *websocket.Conn) error {
	c.mu.Lock()
	if !c.state.cas(StateConnecting, StateConnected) {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("algolab/ws: open: %w", domain.ErrClosed)
	}
	c.conn = conn
	c.attempts.Store(0)
	c.lastErr = nil
	c.needToken = false
	c.connectedAt = time.Now()
	stop := make(chan struct{})
	c.hbStop = stop
	c.readers.Add(1)
	onConnected := c.onConnected
	c.mu.Unlock()

	c.metrics.ConnectionState(StateConnected.String())
	c.logger.Info("connected", slog.String("url", c.cfg.URL))

	go c.readLoop(conn)
	go c.heartbeatLoop(stop)

	c.restoreSubscriptions()
	if onConnected != nil {
		onConnected()
	}
	return nil
}

func (c *Client) restoreSubscriptions() {
	for _, ch := range c.registry.Channels() {
		symbols := c.registry.Symbols(ch)
		if !c.Send(subscribeMessage(ch, symbols)) {
			c.logger.Warn("restore subscription failed", slog.String("channel", string(ch)))
			continue
		}
		c.logger.Info("subscription sent",
			slog.String("channel", string(ch)),
			slog.Int("symbols", len(symbols)),
		)
	}
}

// readLoop reads until the transport fails. It never touches the cache or
// the store.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.readers.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		select {
		case c.frames <- domain.Frame{Data: data, ReceivedAt: time.Now()}:
		default:
			c.metrics.Dropped("frames")
			c.logger.Debug("frame buffer full, dropping frame")
		}
	}
}

func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// A failed heartbeat is only counted; the read loop owns
			// disconnect detection.
			if !c.Send(heartbeatMessage()) {
				c.metrics.Error(metrics.CategoryHeartbeat)
			}
		}
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	if !c.state.cas(StateConnected, StateReconnecting) {
		return
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.stopHeartbeatLocked()
	c.lastErr = err
	c.mu.Unlock()
	_ = conn.Close()

	c.metrics.Error(metrics.CategoryTransport)
	c.metrics.ConnectionState(StateReconnecting.String())
	c.logger.Warn("connection lost", slog.String("error", err.Error()))

	c.scheduleReconnect()
}

// scheduleReconnect arms the next backoff timer or gives up. The caller has
// already moved the state to StateReconnecting.
func (c *Client) scheduleReconnect() {
	next := c.Attempts() + 1
	if c.cfg.Backoff.Exhausted(next) {
		c.exhaust(fmt.Errorf("algolab/ws: after %d attempts: %w", next-1, domain.ErrReconnectExhausted))
		return
	}
	c.attempts.Store(int32(next))
	delay := c.cfg.Backoff.Delay(next)

	c.mu.Lock()
	if c.state.load() == StateClosed {
		c.mu.Unlock()
		return
	}
	c.timer = time.AfterFunc(delay, c.reconnectOnce)
	c.mu.Unlock()

	c.metrics.Reconnect("scheduled")
	c.logger.Info("reconnect scheduled",
		slog.Int("attempt", next),
		slog.Duration("delay", delay),
	)
}

func (c *Client) reconnectOnce() {
	if !c.state.cas(StateReconnecting, StateConnecting) {
		return
	}
	c.metrics.ConnectionState(StateConnecting.String())

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	token, err := c.reconnectToken(ctx)
	if err != nil {
		c.recordFailure(err)
		c.metrics.Reconnect("failed")
		c.exhaust(err)
		return
	}

	conn, err := c.dial(ctx, token)
	if err != nil {
		c.recordFailure(err)
		c.metrics.Reconnect("failed")
		if errors.Is(err, domain.ErrAuthRejected) && !c.hasTokenSource() {
			c.exhaust(err)
			return
		}
		if c.state.cas(StateConnecting, StateReconnecting) {
			c.metrics.ConnectionState(StateReconnecting.String())
			c.scheduleReconnect()
		}
		return
	}

	if err := c.open(conn); err != nil {
		c.logger.Debug("reconnect raced with close", slog.String("error", err.Error()))
		return
	}
	c.metrics.Reconnect("succeeded")
}

// reconnectToken returns the current token, refreshing it first when the
// last handshake was rejected and a TokenSource is configured. A source that
// fails or hands back the rejected token yields ErrAuthRejected.
func (c *Client) reconnectToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, need, ts := c.token, c.needToken, c.tokenSource
	c.mu.Unlock()
	if !need || ts == nil {
		return token, nil
	}
	fresh, err := ts(ctx)
	if err != nil {
		return "", fmt.Errorf("algolab/ws: refresh token: %w: %w", domain.ErrAuthRejected, err)
	}
	if fresh == "" || fresh == token {
		return "", fmt.Errorf("algolab/ws: refresh token: no fresh token: %w", domain.ErrAuthRejected)
	}
	c.mu.Lock()
	c.token = fresh
	c.mu.Unlock()
	return fresh, nil
}

func (c *Client) recordFailure(err error) {
	auth := errors.Is(err, domain.ErrAuthRejected)
	c.mu.Lock()
	c.lastErr = err
	if auth {
		c.needToken = true
	}
	c.mu.Unlock()

	if auth {
		c.metrics.Error(metrics.CategoryAuth)
		c.logger.Error("authentication failed", slog.String("error", err.Error()))
		return
	}
	c.metrics.Error(metrics.CategoryTransport)
	c.logger.Warn("connect failed", slog.String("error", err.Error()))
}

// exhaust stops reconnecting and leaves the client in StateDisconnected.
func (c *Client) exhaust(err error) {
	if !c.state.set(StateDisconnected) {
		return
	}
	c.mu.Lock()
	c.lastErr = err
	fn := c.onExhausted
	c.mu.Unlock()

	c.metrics.Reconnect("exhausted")
	c.metrics.ConnectionState(StateDisconnected.String())
	c.logger.Error("reconnect stopped",
		slog.Int("attempts", c.Attempts()),
		slog.String("error", err.Error()),
	)
	if fn != nil {
		fn(err)
	}
}

func (c *Client) hasTokenSource() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenSource != nil
}

// stopHeartbeatLocked must be called with c.mu held.
func (c *Client) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}
