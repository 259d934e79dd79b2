package algolab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algofeed/internal/crypto"
	"github.com/alanyoungcy/algofeed/internal/domain"
	"github.com/alanyoungcy/algofeed/internal/metrics"
)

const testHostname = "https://www.algolab.com.tr"

// fakeVenue is an upgrade endpoint that records handshakes and inbound
// messages.
type fakeVenue struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	headers []http.Header
	conns   []*websocket.Conn

	dials    atomic.Int32
	messages chan map[string]any
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()
	v := &fakeVenue{messages: make(chan map[string]any, 64)}
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.dials.Add(1)
		conn, err := v.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		v.mu.Lock()
		v.headers = append(v.headers, r.Header.Clone())
		v.conns = append(v.conns, conn)
		v.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				v.messages <- msg
			}
		}
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVenue) url() string { return "ws" + strings.TrimPrefix(v.srv.URL, "http") }

func (v *fakeVenue) conn(i int) *websocket.Conn {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i >= len(v.conns) {
		return nil
	}
	return v.conns[i]
}

func (v *fakeVenue) header(i int) http.Header {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.headers[i]
}

func (v *fakeVenue) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-v.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return nil
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		Hostname:          testHostname,
		APIKey:            "API-key",
		HeartbeatInterval: time.Hour,
		ConnectTimeout:    2 * time.Second,
		Backoff: Backoff{
			Initial:    5 * time.Millisecond,
			Max:        20 * time.Millisecond,
			Multiplier: 2,
		},
		FrameBuffer: 8,
	}
}

func symbolsOf(msg map[string]any) []string {
	raw, _ := msg["Symbols"].([]any)
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		out = append(out, s.(string))
	}
	return out
}

func TestConnectSendsSignedHeaders(t *testing.T) {
	venue := newFakeVenue(t)
	c := NewClient(testConfig(venue.url()), nil, testLogger(), nil)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background(), "session-token"))
	assert.Equal(t, StateConnected, c.State())

	h := venue.header(0)
	assert.Equal(t, "API-key", h.Get("APIKEY"))
	assert.Equal(t, "session-token", h.Get("Authorization"))
	assert.Equal(t, crypto.Checker("API-key", testHostname, "/ws"), h.Get("Checker"))
}

func TestOpenSubscribesEveryRegisteredChannel(t *testing.T) {
	venue := newFakeVenue(t)
	reg := NewRegistry()
	reg.Add(domain.ChannelTick, "THYAO", "GARAN")
	reg.Add(domain.ChannelDepth, "GARAN")

	c := NewClient(testConfig(venue.url()), reg, testLogger(), nil)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background(), "tok"))

	first := venue.next(t)
	assert.Equal(t, "D", first["Type"])
	assert.Equal(t, "tok", first["token"])
	assert.Equal(t, []string{"GARAN"}, symbolsOf(first))

	second := venue.next(t)
	assert.Equal(t, "T", second["Type"])
	assert.Equal(t, []string{"GARAN", "THYAO"}, symbolsOf(second))
}

func TestSubscribeWhileConnectedSendsFullSymbolSet(t *testing.T) {
	venue := newFakeVenue(t)
	reg := NewRegistry()
	reg.Add(domain.ChannelTick, "GARAN")

	c := NewClient(testConfig(venue.url()), reg, testLogger(), nil)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background(), "tok"))
	venue.next(t)

	require.NoError(t, c.Subscribe(domain.ChannelTick, "akbnk"))
	msg := venue.next(t)
	assert.Equal(t, "T", msg["Type"])
	assert.Equal(t, []string{"AKBNK", "GARAN"}, symbolsOf(msg))

	require.NoError(t, c.Unsubscribe(domain.ChannelTick, "GARAN"))
	msg = venue.next(t)
	assert.Equal(t, true, msg["Unsubscribe"])
	assert.Equal(t, []string{"GARAN"}, symbolsOf(msg))
}

func TestSendWhenDisconnected(t *testing.T) {
	c := NewClient(testConfig("ws://127.0.0.1:1/ws"), nil, testLogger(), nil)
	assert.False(t, c.Send(map[string]any{"Type": "H"}))

	// Registration is kept for the next open.
	require.NoError(t, c.Subscribe(domain.ChannelTick, "GARAN"))
	assert.True(t, c.Registry().Has(domain.ChannelTick, "GARAN"))
}

func TestInboundFramesReachChannel(t *testing.T) {
	venue := newFakeVenue(t)
	c := NewClient(testConfig(venue.url()), nil, testLogger(), nil)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background(), "tok"))

	require.Eventually(t, func() bool { return venue.conn(0) != nil }, time.Second, 5*time.Millisecond)
	require.NoError(t, venue.conn(0).WriteMessage(websocket.TextMessage, []byte(`{"Type":"H","Content":"alive"}`)))

	select {
	case f := <-c.Frames():
		assert.JSONEq(t, `{"Type":"H","Content":"alive"}`, string(f.Data))
		assert.False(t, f.ReceivedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	venue := newFakeVenue(t)
	reg := NewRegistry()
	reg.Add(domain.ChannelTick, "GARAN")
	rec := metrics.NewMemory()

	c := NewClient(testConfig(venue.url()), reg, testLogger(), rec)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background(), "tok"))
	venue.next(t)

	require.NoError(t, venue.conn(0).Close())

	msg := venue.next(t)
	assert.Equal(t, "T", msg["Type"])
	assert.Equal(t, []string{"GARAN"}, symbolsOf(msg))
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Attempts())
	assert.EqualValues(t, 1, rec.Snapshot().Reconnects["succeeded"])
	assert.EqualValues(t, 2, venue.dials.Load())
}

func TestReconnectStopsAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.Backoff.MaxAttempts = 3
	rec := metrics.NewMemory()
	c := NewClient(cfg, nil, testLogger(), rec)
	t.Cleanup(func() { _ = c.Close() })

	var exhausted atomic.Int32
	done := make(chan error, 4)
	c.OnExhausted(func(err error) {
		exhausted.Add(1)
		done <- err
	})

	require.NoError(t, c.Start(context.Background(), "tok"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrReconnectExhausted)
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect never gave up")
	}

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 3, c.Attempts())
	assert.EqualValues(t, 4, dials.Load())
	assert.EqualValues(t, 1, exhausted.Load())
	assert.EqualValues(t, 4, rec.Errors(metrics.CategoryTransport))
	assert.ErrorIs(t, c.LastError(), domain.ErrReconnectExhausted)
}

func TestAuthRejectedIsNotRetried(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		dials.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	rec := metrics.NewMemory()
	c := NewClient(testConfig("ws"+strings.TrimPrefix(srv.URL, "http")), nil, testLogger(), rec)
	t.Cleanup(func() { _ = c.Close() })

	err := c.Start(context.Background(), "stale")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthRejected)
	assert.Equal(t, StateDisconnected, c.State())

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, dials.Load())
	assert.EqualValues(t, 1, rec.Errors(metrics.CategoryAuth))
}

func TestAuthRejectedRefreshesToken(t *testing.T) {
	venue := newFakeVenue(t)
	var rejected atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "stale" {
			rejected.Store(true)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		venue.srv.Config.Handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(testConfig("ws"+strings.TrimPrefix(srv.URL, "http")), nil, testLogger(), nil)
	t.Cleanup(func() { _ = c.Close() })
	c.SetTokenSource(func(context.Context) (string, error) { return "fresh", nil })

	require.NoError(t, c.Start(context.Background(), "stale"))
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, rejected.Load())
	assert.Equal(t, "fresh", venue.header(0).Get("Authorization"))
}

func rejectingVenue(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		dials.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &dials
}

func TestAuthRejectedGivesUpWithoutFreshToken(t *testing.T) {
	tests := []struct {
		name   string
		source TokenSource
	}{
		{"source fails", func(context.Context) (string, error) { return "", errors.New("config unreadable") }},
		{"source repeats rejected token", func(context.Context) (string, error) { return "stale", nil }},
		{"source returns empty token", func(context.Context) (string, error) { return "", nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, dials := rejectingVenue(t)
			rec := metrics.NewMemory()
			c := NewClient(testConfig(url), nil, testLogger(), rec)
			t.Cleanup(func() { _ = c.Close() })
			c.SetTokenSource(tt.source)

			var exhausted atomic.Int32
			done := make(chan error, 4)
			c.OnExhausted(func(err error) {
				exhausted.Add(1)
				done <- err
			})

			require.NoError(t, c.Start(context.Background(), "stale"))

			select {
			case err := <-done:
				assert.ErrorIs(t, err, domain.ErrAuthRejected)
			case <-time.After(2 * time.Second):
				t.Fatal("rejected token was retried forever")
			}

			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, StateDisconnected, c.State())
			assert.EqualValues(t, 1, dials.Load())
			assert.EqualValues(t, 1, exhausted.Load())
			assert.EqualValues(t, 2, rec.Errors(metrics.CategoryAuth))
			assert.ErrorIs(t, c.LastError(), domain.ErrAuthRejected)
		})
	}
}

func TestHeartbeatCarriesTokenUntilClose(t *testing.T) {
	venue := newFakeVenue(t)
	cfg := testConfig(venue.url())
	cfg.HeartbeatInterval = 10 * time.Millisecond
	c := NewClient(cfg, nil, testLogger(), nil)
	require.NoError(t, c.Connect(context.Background(), "tok"))

	for range 3 {
		msg := venue.next(t)
		assert.Equal(t, "H", msg["Type"])
		assert.Equal(t, "tok", msg["token"])
	}

	require.NoError(t, c.Close())
	time.Sleep(30 * time.Millisecond)
	for len(venue.messages) > 0 {
		<-venue.messages
	}

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, venue.messages)
	assert.EqualValues(t, 1, venue.dials.Load())
}

func TestHeartbeatFailureDoesNotReconnect(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.HeartbeatInterval = 5 * time.Millisecond
	rec := metrics.NewMemory()
	c := NewClient(cfg, nil, testLogger(), rec)

	// Connected without a transport: every heartbeat write fails.
	require.True(t, c.state.set(StateConnected))
	stop := make(chan struct{})
	go c.heartbeatLoop(stop)
	t.Cleanup(func() { close(stop) })

	require.Eventually(t, func() bool {
		return rec.Errors(metrics.CategoryHeartbeat) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	assert.Zero(t, c.Attempts())
	assert.Zero(t, rec.Errors(metrics.CategoryTransport))
	assert.Empty(t, rec.Snapshot().Reconnects)
}

func TestCloseIsIdempotent(t *testing.T) {
	venue := newFakeVenue(t)
	c := NewClient(testConfig(venue.url()), nil, testLogger(), nil)
	require.NoError(t, c.Connect(context.Background(), "tok"))

	require.NoError(t, c.Close())
	assert.NotPanics(t, func() { _ = c.Close() })
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.Send(map[string]any{"Type": "H"}))

	_, open := <-c.Frames()
	assert.False(t, open)

	err := c.Connect(context.Background(), "tok")
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		dials.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.Backoff.Initial = 200 * time.Millisecond
	cfg.Backoff.Max = 200 * time.Millisecond
	c := NewClient(cfg, nil, testLogger(), nil)

	require.NoError(t, c.Start(context.Background(), "tok"))
	assert.Equal(t, StateReconnecting, c.State())
	require.NoError(t, c.Close())

	time.Sleep(300 * time.Millisecond)
	assert.EqualValues(t, 1, dials.Load())
	assert.Equal(t, StateClosed, c.State())
}
