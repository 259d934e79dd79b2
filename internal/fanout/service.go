// Package fanout keeps the hot cache current and broadcasts every decoded
// event to pub/sub subscribers and external stream sinks.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/algofeed/internal/domain"
	"github.com/alanyoungcy/algofeed/internal/metrics"
)

// Config holds cache lifetimes and mirroring switches.
type Config struct {
	TickTTL      time.Duration
	DepthTTL     time.Duration
	OrderTTL     time.Duration
	HeartbeatTTL time.Duration
	HistorySize  int
	DedupTTL     time.Duration
	// Mirror selects which kinds are forwarded to stream sinks.
	Mirror map[domain.EventKind]bool
}

// DefaultConfig returns the venue defaults.
func DefaultConfig() Config {
	return Config{
		TickTTL:      5 * time.Minute,
		DepthTTL:     30 * time.Second,
		OrderTTL:     10 * time.Minute,
		HeartbeatTTL: 30 * time.Minute,
		HistorySize:  100,
		DedupTTL:     time.Minute,
		Mirror: map[domain.EventKind]bool{
			domain.KindTick:        true,
			domain.KindDepth:       true,
			domain.KindOrderStatus: true,
		},
	}
}

// Service fans events out to the cache, the bus and the sinks. Every
// failure is logged, counted and swallowed; the caller never sees it.
type Service struct {
	cfg     Config
	cache   domain.EventCache
	bus     domain.SignalBus
	sinks   []domain.EventSink
	dedup   *Dedup
	logger  *slog.Logger
	metrics metrics.Recorder
}

// NewService creates a Service. bus and sinks may be nil.
func NewService(
	cfg Config,
	cache domain.EventCache,
	bus domain.SignalBus,
	sinks []domain.EventSink,
	logger *slog.Logger,
	rec metrics.Recorder,
) *Service {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Service{
		cfg:     cfg,
		cache:   cache,
		bus:     bus,
		sinks:   sinks,
		dedup:   NewDedup(cfg.DedupTTL),
		logger:  logger.With(slog.String("component", "fanout")),
		metrics: rec,
	}
}

// Dedup exposes the redelivery filter so the app can run its cleanup loop.
func (s *Service) Dedup() *Dedup { return s.dedup }

// Consume routes a decoded event to its Publish method.
func (s *Service) Consume(ctx context.Context, ev domain.MarketEvent) {
	switch e := ev.(type) {
	case domain.Tick:
		s.PublishTick(ctx, e)
	case domain.DepthSnapshot:
		s.PublishDepth(ctx, e)
	case domain.OrderStatus:
		s.PublishOrderStatus(ctx, e)
	case domain.Heartbeat:
		s.PublishHeartbeat(ctx, e)
	default:
		s.logger.Warn("unsupported event", slog.String("kind", string(ev.Kind())))
	}
}

// PublishTick caches, records and broadcasts a tick. A tick already seen
// within the dedup window is ignored.
func (s *Service) PublishTick(ctx context.Context, t domain.Tick) {
	if s.dedup.Seen(t.Key()) {
		s.metrics.Dropped("duplicate_tick")
		return
	}
	s.setLatest(ctx, t, s.cfg.TickTTL)
	s.pushHistory(ctx, t, s.cfg.TickTTL)
	if err := s.cache.RecordTick(ctx, t.Symbol, t.Time); err != nil {
		s.cacheFailed("record tick", t, err)
	}
	s.broadcast(ctx, t)
}

// PublishDepth caches and broadcasts a depth snapshot. Snapshots replace
// each other, so no history is kept.
func (s *Service) PublishDepth(ctx context.Context, d domain.DepthSnapshot) {
	s.setLatest(ctx, d, s.cfg.DepthTTL)
	s.broadcast(ctx, d)
}

// PublishOrderStatus caches, records and broadcasts an order update.
func (s *Service) PublishOrderStatus(ctx context.Context, o domain.OrderStatus) {
	s.setLatest(ctx, o, s.cfg.OrderTTL)
	s.pushHistory(ctx, o, s.cfg.OrderTTL)
	s.broadcast(ctx, o)
}

// PublishHeartbeat caches the last heartbeat and announces it on the bus.
// Heartbeats are never mirrored to sinks.
func (s *Service) PublishHeartbeat(ctx context.Context, h domain.Heartbeat) {
	s.setLatest(ctx, h, s.cfg.HeartbeatTTL)
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.BusChannel(domain.KindHeartbeat, ""), payload); err != nil {
		s.metrics.Error(metrics.CategoryBroadcast)
		s.logger.Warn("heartbeat publish failed", slog.String("error", err.Error()))
	}
}

// GetLatest returns the cached value or domain.ErrNotAvailable.
func (s *Service) GetLatest(ctx context.Context, symbol string, kind domain.EventKind) (domain.MarketEvent, error) {
	ev, err := s.cache.GetLatest(ctx, kind, normalize(symbol))
	if err != nil {
		if errors.Is(err, domain.ErrNotAvailable) {
			return nil, err
		}
		return nil, fmt.Errorf("fanout: latest %s %s: %w", kind, symbol, err)
	}
	return ev, nil
}

// GetRecent returns up to limit cached events, newest first.
func (s *Service) GetRecent(ctx context.Context, symbol string, kind domain.EventKind, limit int) ([]domain.MarketEvent, error) {
	if limit <= 0 || limit > s.cfg.HistorySize {
		limit = s.cfg.HistorySize
	}
	evs, err := s.cache.Recent(ctx, kind, normalize(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("fanout: recent %s %s: %w", kind, symbol, err)
	}
	return evs, nil
}

// ActiveSymbols returns symbols with recent traffic.
func (s *Service) ActiveSymbols(ctx context.Context) ([]string, error) {
	return s.cache.ActiveSymbols(ctx)
}

// Stats returns the tick counters.
func (s *Service) Stats(ctx context.Context) (domain.CacheStats, error) {
	return s.cache.Stats(ctx)
}

// Close closes every sink.
func (s *Service) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("fanout: close %s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (s *Service) setLatest(ctx context.Context, ev domain.MarketEvent, ttl time.Duration) {
	if err := s.cache.SetLatest(ctx, ev, ttl); err != nil {
		s.cacheFailed("set latest", ev, err)
	}
}

func (s *Service) pushHistory(ctx context.Context, ev domain.MarketEvent, ttl time.Duration) {
	if err := s.cache.PushHistory(ctx, ev, s.cfg.HistorySize, ttl); err != nil {
		s.cacheFailed("push history", ev, err)
	}
}

func (s *Service) cacheFailed(op string, ev domain.MarketEvent, err error) {
	s.metrics.Error(metrics.CategoryCache)
	s.logger.Warn("cache "+op+" failed",
		slog.String("kind", string(ev.Kind())),
		slog.String("symbol", ev.EventSymbol()),
		slog.String("error", err.Error()),
	)
}

// broadcast publishes ev on its bus channel and mirrors it to the sinks.
func (s *Service) broadcast(ctx context.Context, ev domain.MarketEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.metrics.Error(metrics.CategoryBroadcast)
		s.logger.Warn("encode event failed", slog.String("error", err.Error()))
		return
	}

	if s.bus != nil {
		channel := domain.BusChannel(ev.Kind(), ev.EventSymbol())
		if err := s.bus.Publish(ctx, channel, payload); err != nil {
			s.metrics.Error(metrics.CategoryBroadcast)
			s.logger.Warn("bus publish failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
	}

	if !s.cfg.Mirror[ev.Kind()] {
		return
	}
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, ev, payload); err != nil {
			s.metrics.Error(metrics.CategoryBroadcast)
			s.logger.Warn("sink publish failed",
				slog.String("sink", sink.Name()),
				slog.String("symbol", ev.EventSymbol()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
