package persist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algofeed/internal/domain"
	"github.com/alanyoungcy/algofeed/internal/metrics"
)

var errDown = errors.New("database down")

// memTicks mimics ON CONFLICT DO NOTHING on (symbol, time).
type memTicks struct {
	mu      sync.Mutex
	rows    map[string]domain.Tick
	batches []int
	fail    bool
	deleted time.Time
}

func newMemTicks() *memTicks { return &memTicks{rows: make(map[string]domain.Tick)} }

func (s *memTicks) InsertBatch(_ context.Context, ticks []domain.Tick) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errDown
	}
	s.batches = append(s.batches, len(ticks))
	var n int64
	for _, t := range ticks {
		if _, ok := s.rows[t.Key()]; ok {
			continue
		}
		s.rows[t.Key()] = t
		n++
	}
	return n, nil
}

func (s *memTicks) ListBySymbol(context.Context, string, domain.ListOpts) ([]domain.Tick, error) {
	return nil, nil
}

func (s *memTicks) ListRange(context.Context, time.Time, time.Time) ([]domain.Tick, error) {
	return nil, nil
}

func (s *memTicks) Oldest(context.Context) (time.Time, bool, error) { return time.Time{}, false, nil }

func (s *memTicks) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = before
	var n int64
	for k, t := range s.rows {
		if t.Time.Before(before) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

func (s *memTicks) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type memDepth struct {
	mu   sync.Mutex
	rows map[string]domain.DepthSnapshot
}

func (s *memDepth) InsertBatch(_ context.Context, snaps []domain.DepthSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		s.rows = make(map[string]domain.DepthSnapshot)
	}
	for _, d := range snaps {
		s.rows[d.Symbol+d.Time.String()] = d
	}
	return int64(len(snaps)), nil
}

func (s *memDepth) ListBySymbol(context.Context, string, domain.ListOpts) ([]domain.DepthSnapshot, error) {
	return nil, nil
}

func (s *memDepth) ListRange(context.Context, time.Time, time.Time) ([]domain.DepthSnapshot, error) {
	return nil, nil
}

func (s *memDepth) Oldest(context.Context) (time.Time, bool, error) { return time.Time{}, false, nil }

func (s *memDepth) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, errDown }

type memOrders struct {
	mu   sync.Mutex
	rows []domain.OrderStatus
}

func (s *memOrders) InsertBatch(_ context.Context, updates []domain.OrderStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, updates...)
	return int64(len(updates)), nil
}

func (s *memOrders) ListByOrder(context.Context, string) ([]domain.OrderStatus, error) {
	return nil, nil
}

func (s *memOrders) ListRange(context.Context, time.Time, time.Time) ([]domain.OrderStatus, error) {
	return nil, nil
}

func (s *memOrders) Oldest(context.Context) (time.Time, bool, error) { return time.Time{}, false, nil }

func (s *memOrders) DeleteBefore(context.Context, time.Time) (int64, error) { return 7, nil }

type fixture struct {
	w      *Writer
	ticks  *memTicks
	depth  *memDepth
	orders *memOrders
	mem    *metrics.Memory
}

func newFixture(cfg Config) fixture {
	f := fixture{ticks: newMemTicks(), depth: &memDepth{}, orders: &memOrders{}, mem: metrics.NewMemory()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.w = NewWriter(cfg, Stores{Ticks: f.ticks, Depth: f.depth, Orders: f.orders}, logger, f.mem)
	return f
}

var base = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func tickAt(symbol string, i int) domain.Tick {
	return domain.Tick{
		Symbol:   symbol,
		Price:    decimal.NewFromFloat(45.62),
		Quantity: 100,
		Time:     base.Add(time.Duration(i) * time.Millisecond),
	}
}

func TestFlushWritesBufferedEvents(t *testing.T) {
	f := newFixture(DefaultConfig())
	ctx := context.Background()

	require.NoError(t, f.w.Append(tickAt("GARAN", 0)))
	require.NoError(t, f.w.Append(tickAt("GARAN", 1)))
	require.NoError(t, f.w.Append(domain.NewDepthSnapshot("GARAN",
		[]domain.PriceLevel{{Price: decimal.NewFromInt(45), Size: 10}}, nil, base, base)))
	require.NoError(t, f.w.Append(domain.OrderStatus{OrderID: "A1", Symbol: "GARAN", Time: base}))
	require.NoError(t, f.w.Append(domain.NewHeartbeat("", base)))

	assert.Equal(t, 2, f.w.Buffered()[domain.KindTick])
	require.NoError(t, f.w.Flush(ctx))

	assert.Equal(t, 2, f.ticks.count())
	assert.Len(t, f.depth.rows, 1)
	assert.Len(t, f.orders.rows, 1)
	assert.Zero(t, f.w.Buffered()[domain.KindTick])
	assert.EqualValues(t, 2, f.mem.Snapshot().Rows[TableTicks])
}

func TestDuplicateTickInsertedOnce(t *testing.T) {
	f := newFixture(DefaultConfig())
	ctx := context.Background()

	require.NoError(t, f.w.Append(tickAt("GARAN", 0)))
	require.NoError(t, f.w.Flush(ctx))
	require.NoError(t, f.w.Append(tickAt("GARAN", 0)))
	require.NoError(t, f.w.Flush(ctx))
	res, err := f.w.AppendBatch(ctx, []domain.MarketEvent{tickAt("GARAN", 0)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.Zero(t, res.Written[domain.KindTick])

	assert.Equal(t, 1, f.ticks.count())
	assert.EqualValues(t, 1, f.mem.Snapshot().Rows[TableTicks])
}

func TestAppendRejectsInvalid(t *testing.T) {
	f := newFixture(DefaultConfig())

	err := f.w.Append(domain.Tick{Symbol: "GARAN", Time: base})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	err = f.w.Append(domain.DepthSnapshot{Symbol: "GARAN", Time: base})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	f.w.Consume(context.Background(), domain.OrderStatus{Symbol: "GARAN", Time: base})
	assert.EqualValues(t, 1, f.mem.DroppedCount("persist_invalid"))
}

func TestBatchSizeTriggersAsyncFlush(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	f := newFixture(cfg)

	for i := 0; i < 10; i++ {
		require.NoError(t, f.w.Append(tickAt("THYAO", i)))
	}
	require.Eventually(t, func() bool { return f.ticks.count() == 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.w.Buffered()[domain.KindTick])
}

func TestAppendBatchChunks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 4
	f := newFixture(cfg)

	events := make([]domain.MarketEvent, 0, 12)
	for i := 0; i < 10; i++ {
		events = append(events, tickAt("AKBNK", i))
	}
	events = append(events, domain.Tick{Symbol: "AKBNK"}, domain.NewHeartbeat("", base))

	res, err := f.w.AppendBatch(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	assert.EqualValues(t, 10, res.Written[domain.KindTick])
	assert.Equal(t, []int{4, 4, 2}, f.ticks.batches)
}

func TestWriteFailureIsCountedNotRetried(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.ticks.fail = true

	require.NoError(t, f.w.Append(tickAt("GARAN", 0)))
	err := f.w.Flush(context.Background())
	assert.ErrorIs(t, err, errDown)
	assert.EqualValues(t, 1, f.mem.Errors(metrics.CategoryStorage))

	f.ticks.fail = false
	require.NoError(t, f.w.Flush(context.Background()))
	assert.Zero(t, f.ticks.count())
}

func TestRunFlushesOnShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	f := newFixture(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.w.Run(ctx) }()

	require.NoError(t, f.w.Append(tickAt("GARAN", 0)))
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 1, f.ticks.count())
	assert.ErrorIs(t, f.w.Append(tickAt("GARAN", 1)), domain.ErrClosed)
}

func TestCleanup(t *testing.T) {
	f := newFixture(DefaultConfig())
	ctx := context.Background()

	old := domain.Tick{Symbol: "GARAN", Price: decimal.NewFromInt(1), Time: time.Now().Add(-48 * time.Hour)}
	_, err := f.w.AppendBatch(ctx, []domain.MarketEvent{old, domain.Tick{
		Symbol: "GARAN", Price: decimal.NewFromInt(1), Time: time.Now(),
	}})
	require.NoError(t, err)

	deleted, err := f.w.Cleanup(ctx, map[domain.EventKind]time.Duration{
		domain.KindTick:        24 * time.Hour,
		domain.KindDepth:       time.Hour,
		domain.KindOrderStatus: 30 * 24 * time.Hour,
	})
	assert.ErrorIs(t, err, errDown)
	assert.EqualValues(t, 1, deleted[domain.KindTick])
	assert.EqualValues(t, 7, deleted[domain.KindOrderStatus])
	assert.NotContains(t, deleted, domain.KindDepth)
	assert.Equal(t, 1, f.ticks.count())
	assert.EqualValues(t, 1, f.mem.Errors(metrics.CategoryStorage))
}
