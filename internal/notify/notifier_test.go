package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return "recording" }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier([]Sender{s}, []string{EventFeedDown, " feed_up "}, 0, discard())

	require.NoError(t, n.Notify(context.Background(), EventFeedDown, "down", ""))
	require.NoError(t, n.Notify(context.Background(), EventRetention, "retention", ""))
	require.NoError(t, n.Notify(context.Background(), EventFeedUp, "up", ""))

	assert.Equal(t, []string{"down", "up"}, s.titles)
}

func TestNotifierThrottles(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier([]Sender{s}, nil, 2, discard())

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(context.Background(), EventError, "err", ""))
	}
	assert.Len(t, s.titles, 2)
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	failing := &recordingSender{err: boom}
	ok := &recordingSender{}
	n := NewNotifier([]Sender{failing, ok}, nil, 0, discard())

	err := n.Notify(context.Background(), EventError, "x", "y")
	assert.ErrorIs(t, err, boom)
	assert.Len(t, ok.titles, 1)
}

func TestNotifierWithoutSenders(t *testing.T) {
	n := NewNotifier(nil, nil, 0, discard())
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), EventError, "x", "y"))

	var nilNotifier *Notifier
	assert.NoError(t, nilNotifier.Notify(context.Background(), EventError, "x", "y"))
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Feed down", "reconnects exhausted"))

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Feed down*\nreconnects exhausted", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
