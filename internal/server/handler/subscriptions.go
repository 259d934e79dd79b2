package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

// Subscriber manages upstream subscriptions.
type Subscriber interface {
	Subscribe(ch domain.Channel, symbols ...string) error
	Unsubscribe(ch domain.Channel, symbols ...string) error
}

// SubscriptionLister reports the registered subscriptions.
type SubscriptionLister interface {
	List() []domain.Subscription
}

// SubscriptionHandler changes the live subscription set.
type SubscriptionHandler struct {
	feed   Subscriber
	list   SubscriptionLister
	logger *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler. A nil feed makes
// every route answer 503.
func NewSubscriptionHandler(feed Subscriber, list SubscriptionLister, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{feed: feed, list: list, logger: logger}
}

type subscriptionRequest struct {
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

// List returns the registered subscriptions.
// GET /api/subscriptions
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.list == nil {
		writeError(w, http.StatusServiceUnavailable, "feed not running in this mode")
		return
	}
	subs := h.list.List()
	if subs == nil {
		subs = []domain.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

// Subscribe adds symbols to a channel.
// POST /api/subscriptions
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, true)
}

// Unsubscribe removes symbols from a channel.
// DELETE /api/subscriptions
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, false)
}

func (h *SubscriptionHandler) change(w http.ResponseWriter, r *http.Request, add bool) {
	if h.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "feed not running in this mode")
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ch, ok := domain.ParseChannel(req.Channel)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown channel "+req.Channel)
		return
	}
	if len(req.Symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols must not be empty")
		return
	}

	var err error
	if add {
		err = h.feed.Subscribe(ch, req.Symbols...)
	} else {
		err = h.feed.Unsubscribe(ch, req.Symbols...)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			writeError(w, http.StatusServiceUnavailable, "upstream not connected")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: subscription change failed",
			slog.String("channel", string(ch)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "subscription change failed")
		return
	}

	h.logger.InfoContext(r.Context(), "handler: subscriptions changed",
		slog.String("channel", string(ch)),
		slog.Any("symbols", req.Symbols),
		slog.Bool("subscribe", add),
	)
	resp := map[string]any{"status": "ok"}
	if h.list != nil {
		resp["subscriptions"] = h.list.List()
	}
	writeJSON(w, http.StatusOK, resp)
}
