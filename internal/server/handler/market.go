package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

// MarketReader is the hot-path read side served from the cache.
type MarketReader interface {
	GetLatest(ctx context.Context, symbol string, kind domain.EventKind) (domain.MarketEvent, error)
	GetRecent(ctx context.Context, symbol string, kind domain.EventKind, limit int) ([]domain.MarketEvent, error)
	ActiveSymbols(ctx context.Context) ([]string, error)
}

// MarketHandler serves cached and historical market data.
type MarketHandler struct {
	reader MarketReader
	ticks  domain.TickStore
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler. ticks may be nil when no
// database is configured; the history route then answers 503.
func NewMarketHandler(reader MarketReader, ticks domain.TickStore, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{reader: reader, ticks: ticks, logger: logger}
}

// Latest returns the newest cached event for a symbol.
// GET /api/latest/{kind}/{symbol}
func (h *MarketHandler) Latest(w http.ResponseWriter, r *http.Request) {
	kind, symbol, ok := kindAndSymbol(w, r)
	if !ok {
		return
	}

	ev, err := h.reader.GetLatest(r.Context(), symbol, kind)
	if err != nil {
		if errors.Is(err, domain.ErrNotAvailable) {
			writeError(w, http.StatusNotFound, "no recent "+string(kind)+" for "+symbol)
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: latest failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read cache")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// Recent returns cached history, newest first.
// GET /api/recent/{kind}/{symbol}?limit=
func (h *MarketHandler) Recent(w http.ResponseWriter, r *http.Request) {
	kind, symbol, ok := kindAndSymbol(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := h.reader.GetRecent(r.Context(), symbol, kind, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: recent failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read cache")
		return
	}
	if events == nil {
		events = []domain.MarketEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"kind":   kind,
		"events": events,
	})
}

// ActiveSymbols lists symbols with recent traffic.
// GET /api/symbols
func (h *MarketHandler) ActiveSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.reader.ActiveSymbols(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: active symbols failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read cache")
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": symbols})
}

// TickHistory queries stored ticks.
// GET /api/history/ticks/{symbol}?from=&to=&limit=&offset=
func (h *MarketHandler) TickHistory(w http.ResponseWriter, r *http.Request) {
	if h.ticks == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.PathValue("symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ticks, err := h.ticks.ListBySymbol(r.Context(), symbol, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: tick history failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to query ticks")
		return
	}
	if ticks == nil {
		ticks = []domain.Tick{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"ticks":  ticks,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

func kindAndSymbol(w http.ResponseWriter, r *http.Request) (domain.EventKind, string, bool) {
	kind, err := domain.ParseEventKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.PathValue("symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol")
		return "", "", false
	}
	return kind, symbol, true
}
