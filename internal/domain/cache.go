package domain

import (
	"context"
	"strings"
	"time"
)

// CacheStats summarises tick traffic seen by the cache layer.
type CacheStats struct {
	TotalTicks    int64            `json:"total_ticks"`
	TicksPerMin   int64            `json:"ticks_last_minute"`
	FirstTick     time.Time        `json:"first_tick,omitempty"`
	LastTick      time.Time        `json:"last_tick,omitempty"`
	SymbolCounts  map[string]int64 `json:"symbol_counts"`
	ActiveSymbols int              `json:"active_symbols"`
}

// EventCache holds latest values and capped recent history per symbol.
type EventCache interface {
	SetLatest(ctx context.Context, ev MarketEvent, ttl time.Duration) error
	GetLatest(ctx context.Context, kind EventKind, symbol string) (MarketEvent, error)
	PushHistory(ctx context.Context, ev MarketEvent, capacity int, ttl time.Duration) error
	Recent(ctx context.Context, kind EventKind, symbol string, limit int) ([]MarketEvent, error)
	RecordTick(ctx context.Context, symbol string, at time.Time) error
	ActiveSymbols(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (CacheStats, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub over named channels.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	PSubscribe(ctx context.Context, pattern string) (<-chan BusMessage, error)
}

// BusMessage is a message received through a pattern subscription.
type BusMessage struct {
	Channel string
	Payload []byte
}

// EventSink mirrors encoded events to an external stream (Kafka, NATS).
type EventSink interface {
	Name() string
	Publish(ctx context.Context, ev MarketEvent, payload []byte) error
	Close() error
}

// RateLimiter is a sliding-window limiter keyed by caller identity.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// busPrefix namespaces pub/sub channels.
const busPrefix = "algofeed:"

// BusChannel names the pub/sub channel for one symbol's events of kind.
func BusChannel(kind EventKind, symbol string) string {
	if symbol == "" {
		return busPrefix + string(kind)
	}
	return busPrefix + string(kind) + ":" + symbol
}

// BusPattern matches every symbol of kind, or every event when kind is empty.
func BusPattern(kind EventKind) string {
	if kind == "" {
		return busPrefix + "*"
	}
	return busPrefix + string(kind) + ":*"
}

// ParseBusChannel splits a channel produced by BusChannel.
func ParseBusChannel(channel string) (EventKind, string, bool) {
	rest, ok := strings.CutPrefix(channel, busPrefix)
	if !ok {
		return "", "", false
	}
	kind, symbol, _ := strings.Cut(rest, ":")
	return EventKind(kind), symbol, kind != ""
}
