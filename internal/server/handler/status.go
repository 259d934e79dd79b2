package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/algofeed/internal/domain"
	"github.com/alanyoungcy/algofeed/internal/metrics"
	"github.com/alanyoungcy/algofeed/internal/platform/algolab"
)

// FeedStatus reports the upstream connection.
type FeedStatus interface {
	Status() algolab.Status
}

// StatsSource reports cache-level tick statistics.
type StatsSource interface {
	Stats(ctx context.Context) (domain.CacheStats, error)
}

// BufferSource reports events waiting to be persisted.
type BufferSource interface {
	Buffered() map[domain.EventKind]int
}

// StatusHandler serves the operational snapshot.
type StatusHandler struct {
	Mode      string
	StartedAt time.Time

	feed    FeedStatus
	stats   StatsSource
	buffers BufferSource
	counts  *metrics.Memory
	logger  *slog.Logger
}

// NewStatusHandler creates a StatusHandler. Any source may be nil when the
// running mode does not include it.
func NewStatusHandler(
	mode string,
	feed FeedStatus,
	stats StatsSource,
	buffers BufferSource,
	counts *metrics.Memory,
	logger *slog.Logger,
) *StatusHandler {
	return &StatusHandler{
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		feed:      feed,
		stats:     stats,
		buffers:   buffers,
		counts:    counts,
		logger:    logger,
	}
}

// GetStatus returns connection state, subscriptions, cache stats, pending
// writes and contained-failure counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.Mode,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	}
	if h.feed != nil {
		resp["feed"] = h.feed.Status()
	}
	if h.stats != nil {
		stats, err := h.stats.Stats(r.Context())
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: stats failed", slog.String("error", err.Error()))
		} else {
			resp["stats"] = stats
		}
	}
	if h.buffers != nil {
		resp["buffered"] = h.buffers.Buffered()
	}
	if h.counts != nil {
		resp["counters"] = h.counts.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}
