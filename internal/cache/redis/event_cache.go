package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

const (
	activeSymbolsKey = keyPrefix + "symbols:active"
	statsTotalKey    = keyPrefix + "stats:total"
	statsSymbolsKey  = keyPrefix + "stats:symbols"
	statsFirstKey    = keyPrefix + "stats:first"
	statsLastKey     = keyPrefix + "stats:last"

	// minuteBucketTTL keeps the previous minute readable while the current
	// one fills.
	minuteBucketTTL = 2 * time.Minute
)

func latestKey(kind domain.EventKind, symbol string) string {
	return keyPrefix + "latest:" + string(kind) + ":" + symbol
}

func historyKey(kind domain.EventKind, symbol string) string {
	return keyPrefix + "history:" + string(kind) + ":" + symbol
}

func minuteKey(t time.Time) string {
	return keyPrefix + "stats:minute:" + strconv.FormatInt(t.Unix()/60, 10)
}

// EventCache implements domain.EventCache. Latest values are JSON strings
// with a per-kind TTL; history is a capped list, newest first; active
// symbols are a sorted set scored by last-seen time.
type EventCache struct {
	rdb          *redis.Client
	activeWindow time.Duration
	now          func() time.Time
}

// NewEventCache creates an EventCache. A symbol stays active for
// activeWindow after its last event.
func NewEventCache(c *Client, activeWindow time.Duration) *EventCache {
	if activeWindow <= 0 {
		activeWindow = 5 * time.Minute
	}
	return &EventCache{rdb: c.Underlying(), activeWindow: activeWindow, now: time.Now}
}

// SetLatest stores ev as the latest value for its kind and symbol and marks
// the symbol active.
func (ec *EventCache) SetLatest(ctx context.Context, ev domain.MarketEvent, ttl time.Duration) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", ev.Kind(), err)
	}
	symbol := ev.EventSymbol()
	now := ec.now()

	_, err = ec.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, latestKey(ev.Kind(), symbol), data, ttl)
		if symbol != "" {
			p.ZAdd(ctx, activeSymbolsKey, redis.Z{Score: float64(now.Unix()), Member: symbol})
			p.ZRemRangeByScore(ctx, activeSymbolsKey, "-inf", "("+strconv.FormatInt(now.Add(-ec.activeWindow).Unix(), 10))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set latest %s %s: %w", ev.Kind(), symbol, err)
	}
	return nil
}

// GetLatest returns domain.ErrNotAvailable when nothing is cached or the
// value has expired.
func (ec *EventCache) GetLatest(ctx context.Context, kind domain.EventKind, symbol string) (domain.MarketEvent, error) {
	data, err := ec.rdb.Get(ctx, latestKey(kind, symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotAvailable
		}
		return nil, fmt.Errorf("redis: get latest %s %s: %w", kind, symbol, err)
	}
	ev, err := domain.UnmarshalEvent(kind, data)
	if err != nil {
		return nil, fmt.Errorf("redis: get latest %s %s: %w", kind, symbol, err)
	}
	return ev, nil
}

// PushHistory prepends ev to the symbol's history, trims it to capacity and
// refreshes its TTL.
func (ec *EventCache) PushHistory(ctx context.Context, ev domain.MarketEvent, capacity int, ttl time.Duration) error {
	if capacity <= 0 {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", ev.Kind(), err)
	}
	key := historyKey(ev.Kind(), ev.EventSymbol())

	_, err = ec.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, int64(capacity-1))
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: push history %s: %w", key, err)
	}
	return nil
}

// Recent returns up to limit events, newest first. Entries that no longer
// decode are skipped.
func (ec *EventCache) Recent(ctx context.Context, kind domain.EventKind, symbol string, limit int) ([]domain.MarketEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := ec.rdb.LRange(ctx, historyKey(kind, symbol), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent %s %s: %w", kind, symbol, err)
	}
	out := make([]domain.MarketEvent, 0, len(raw))
	for _, s := range raw {
		ev, err := domain.UnmarshalEvent(kind, []byte(s))
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// RecordTick updates the tick counters.
func (ec *EventCache) RecordTick(ctx context.Context, symbol string, at time.Time) error {
	now := ec.now()
	stamp := at.UTC().Format(time.RFC3339Nano)
	mk := minuteKey(now)

	_, err := ec.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, statsTotalKey)
		p.HIncrBy(ctx, statsSymbolsKey, symbol, 1)
		p.Incr(ctx, mk)
		p.Expire(ctx, mk, minuteBucketTTL)
		p.SetNX(ctx, statsFirstKey, stamp, 0)
		p.Set(ctx, statsLastKey, stamp, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: record tick %s: %w", symbol, err)
	}
	return nil
}

// ActiveSymbols returns the symbols seen within the active window, sorted.
func (ec *EventCache) ActiveSymbols(ctx context.Context) ([]string, error) {
	since := ec.now().Add(-ec.activeWindow).Unix()
	out, err := ec.rdb.ZRangeByScore(ctx, activeSymbolsKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: active symbols: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Stats reads the tick counters. Missing counters read as zero.
func (ec *EventCache) Stats(ctx context.Context) (domain.CacheStats, error) {
	now := ec.now()
	var (
		total, perMin *redis.StringCmd
		first, last   *redis.StringCmd
		symbols       *redis.MapStringStringCmd
	)
	_, err := ec.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		total = p.Get(ctx, statsTotalKey)
		perMin = p.Get(ctx, minuteKey(now))
		first = p.Get(ctx, statsFirstKey)
		last = p.Get(ctx, statsLastKey)
		symbols = p.HGetAll(ctx, statsSymbolsKey)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.CacheStats{}, fmt.Errorf("redis: stats: %w", err)
	}

	stats := domain.CacheStats{SymbolCounts: make(map[string]int64)}
	stats.TotalTicks, _ = total.Int64()
	stats.TicksPerMin, _ = perMin.Int64()
	if s, err := first.Result(); err == nil {
		stats.FirstTick, _ = time.Parse(time.RFC3339Nano, s)
	}
	if s, err := last.Result(); err == nil {
		stats.LastTick, _ = time.Parse(time.RFC3339Nano, s)
	}
	for sym, v := range symbols.Val() {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			stats.SymbolCounts[sym] = n
		}
	}

	active, err := ec.ActiveSymbols(ctx)
	if err != nil {
		return stats, err
	}
	stats.ActiveSymbols = len(active)
	return stats, nil
}

var _ domain.EventCache = (*EventCache)(nil)
