// Package persist buffers decoded events and writes them to the stores in
// idempotent batches.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/algofeed/internal/domain"
	"github.com/alanyoungcy/algofeed/internal/metrics"
)

// Table names used in metrics and logs.
const (
	TableTicks  = "market_ticks"
	TableDepth  = "order_book_snapshots"
	TableOrders = "order_status_history"
)

// Config holds batching parameters.
type Config struct {
	BatchSize      int
	DepthBatchSize int
	FlushInterval  time.Duration
	// MaxBuffer forces a flush even when every flush slot is busy.
	MaxBuffer    int
	MaxInflight  int
	WriteTimeout time.Duration
}

// DefaultConfig returns the production batching defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      1000,
		DepthBatchSize: 100,
		FlushInterval:  5 * time.Second,
		MaxBuffer:      10000,
		MaxInflight:    4,
		WriteTimeout:   30 * time.Second,
	}
}

// Stores groups the per-kind stores.
type Stores struct {
	Ticks  domain.TickStore
	Depth  domain.DepthStore
	Orders domain.OrderStatusStore
}

// Result summarises one AppendBatch call.
type Result struct {
	Accepted int                        `json:"accepted"`
	Rejected int                        `json:"rejected"`
	Written  map[domain.EventKind]int64 `json:"written"`
}

// Writer implements dispatch.Consumer. Append only buffers; all I/O happens
// on the flush loop or on bounded async flush goroutines.
type Writer struct {
	cfg     Config
	stores  Stores
	logger  *slog.Logger
	metrics metrics.Recorder

	mu     sync.Mutex
	ticks  []domain.Tick
	depth  []domain.DepthSnapshot
	orders []domain.OrderStatus
	closed bool

	sem      chan struct{}
	inflight sync.WaitGroup
}

// NewWriter creates a Writer. Zero config fields take DefaultConfig values.
func NewWriter(cfg Config, stores Stores, logger *slog.Logger, rec metrics.Recorder) *Writer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DepthBatchSize <= 0 {
		cfg.DepthBatchSize = def.DepthBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxBuffer < cfg.BatchSize {
		cfg.MaxBuffer = max(def.MaxBuffer, cfg.BatchSize)
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = def.MaxInflight
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Writer{
		cfg:     cfg,
		stores:  stores,
		logger:  logger.With(slog.String("component", "persist")),
		metrics: rec,
		sem:     make(chan struct{}, cfg.MaxInflight),
	}
}

// Consume buffers ev. Invalid events are counted and dropped.
func (w *Writer) Consume(_ context.Context, ev domain.MarketEvent) {
	if err := w.Append(ev); err != nil && !errors.Is(err, domain.ErrClosed) {
		w.metrics.Dropped("persist_invalid")
		w.logger.Debug("event not persisted",
			slog.String("kind", string(ev.Kind())),
			slog.String("symbol", ev.EventSymbol()),
			slog.String("error", err.Error()),
		)
	}
}

// Append validates and buffers ev. Heartbeats are accepted and ignored. When
// a buffer reaches its batch size an async flush is started if a slot is
// free; past MaxBuffer the flush is started regardless and waits for a slot.
func (w *Writer) Append(ev domain.MarketEvent) error {
	if err := validate(ev); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("persist: append: %w", domain.ErrClosed)
	}

	switch e := ev.(type) {
	case domain.Tick:
		w.ticks = append(w.ticks, e)
		if n := len(w.ticks); n >= w.cfg.BatchSize {
			w.triggerLocked(domain.KindTick, n)
		}
	case domain.DepthSnapshot:
		w.depth = append(w.depth, e)
		if n := len(w.depth); n >= w.cfg.DepthBatchSize {
			w.triggerLocked(domain.KindDepth, n)
		}
	case domain.OrderStatus:
		w.orders = append(w.orders, e)
		if n := len(w.orders); n >= w.cfg.BatchSize {
			w.triggerLocked(domain.KindOrderStatus, n)
		}
	}
	return nil
}

// AppendBatch validates events and writes them synchronously, chunked by
// batch size, one bulk write per chunk.
func (w *Writer) AppendBatch(ctx context.Context, events []domain.MarketEvent) (Result, error) {
	res := Result{Written: make(map[domain.EventKind]int64)}
	var (
		ticks  []domain.Tick
		depth  []domain.DepthSnapshot
		orders []domain.OrderStatus
	)
	for _, ev := range events {
		if err := validate(ev); err != nil {
			res.Rejected++
			continue
		}
		switch e := ev.(type) {
		case domain.Tick:
			ticks = append(ticks, e)
		case domain.DepthSnapshot:
			depth = append(depth, e)
		case domain.OrderStatus:
			orders = append(orders, e)
		default:
			continue
		}
		res.Accepted++
	}

	written, err := w.write(ctx, ticks, depth, orders)
	for k, n := range written {
		res.Written[k] = n
	}
	return res, err
}

// Flush writes everything currently buffered.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	ticks, depth, orders := w.ticks, w.depth, w.orders
	w.ticks, w.depth, w.orders = nil, nil, nil
	w.mu.Unlock()

	_, err := w.write(ctx, ticks, depth, orders)
	return err
}

// Run flushes every FlushInterval until ctx is done, then flushes what is
// left and waits for in-flight writes.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	w.logger.Info("persistence writer started",
		slog.Int("batch_size", w.cfg.BatchSize),
		slog.Duration("flush_interval", w.cfg.FlushInterval),
	)
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.closed = true
			w.mu.Unlock()

			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
			err := w.Flush(flushCtx)
			cancel()
			w.inflight.Wait()
			w.logger.Info("persistence writer stopped")
			return err
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
			_ = w.Flush(flushCtx)
			cancel()
		}
	}
}

// Buffered returns the number of events waiting per kind.
func (w *Writer) Buffered() map[domain.EventKind]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[domain.EventKind]int{
		domain.KindTick:        len(w.ticks),
		domain.KindDepth:       len(w.depth),
		domain.KindOrderStatus: len(w.orders),
	}
}

// Cleanup deletes rows older than now minus each kind's window and returns
// the deleted counts. Kinds without a window are left alone.
func (w *Writer) Cleanup(ctx context.Context, windows map[domain.EventKind]time.Duration) (map[domain.EventKind]int64, error) {
	now := time.Now().UTC()
	cutoffs := make(map[domain.EventKind]time.Time, len(windows))
	for kind, window := range windows {
		if window > 0 {
			cutoffs[kind] = now.Add(-window)
		}
	}
	return w.CleanupBefore(ctx, cutoffs)
}

// CleanupBefore deletes rows older than each kind's cutoff.
func (w *Writer) CleanupBefore(ctx context.Context, cutoffs map[domain.EventKind]time.Time) (map[domain.EventKind]int64, error) {
	out := make(map[domain.EventKind]int64, len(cutoffs))
	var errs []error

	for _, kind := range domain.Kinds {
		cutoff, ok := cutoffs[kind]
		if !ok {
			continue
		}

		var (
			n   int64
			err error
		)
		switch kind {
		case domain.KindTick:
			n, err = w.stores.Ticks.DeleteBefore(ctx, cutoff)
		case domain.KindDepth:
			n, err = w.stores.Depth.DeleteBefore(ctx, cutoff)
		case domain.KindOrderStatus:
			n, err = w.stores.Orders.DeleteBefore(ctx, cutoff)
		}
		if err != nil {
			w.metrics.Error(metrics.CategoryStorage)
			errs = append(errs, fmt.Errorf("persist: cleanup %s: %w", kind, err))
			continue
		}
		out[kind] = n
		w.logger.Info("retention cleanup",
			slog.String("kind", string(kind)),
			slog.Time("cutoff", cutoff),
			slog.Int64("deleted", n),
		)
	}
	return out, errors.Join(errs...)
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func validate(ev domain.MarketEvent) error {
	var ok bool
	switch e := ev.(type) {
	case domain.Tick:
		ok = e.Valid()
	case domain.DepthSnapshot:
		ok = e.Valid()
	case domain.OrderStatus:
		ok = e.Valid()
	case domain.Heartbeat:
		return nil
	default:
		return fmt.Errorf("persist: %s: %w", ev.Kind(), domain.ErrUnknownType)
	}
	if !ok {
		return fmt.Errorf("persist: %s %q: %w", ev.Kind(), ev.EventSymbol(), domain.ErrInvalidEvent)
	}
	return nil
}

// triggerLocked starts an async flush of kind's buffer. Must hold w.mu.
func (w *Writer) triggerLocked(kind domain.EventKind, n int) {
	select {
	case w.sem <- struct{}{}:
	default:
		if n < w.cfg.MaxBuffer {
			return
		}
		w.logger.Warn("buffer limit reached, forcing flush",
			slog.String("kind", string(kind)),
			slog.Int("buffered", n),
		)
		w.spawn(w.takeLocked(kind), true)
		return
	}
	w.spawn(w.takeLocked(kind), false)
}

type pending struct {
	ticks  []domain.Tick
	depth  []domain.DepthSnapshot
	orders []domain.OrderStatus
}

func (w *Writer) takeLocked(kind domain.EventKind) pending {
	var p pending
	switch kind {
	case domain.KindTick:
		p.ticks, w.ticks = w.ticks, nil
	case domain.KindDepth:
		p.depth, w.depth = w.depth, nil
	case domain.KindOrderStatus:
		p.orders, w.orders = w.orders, nil
	}
	return p
}

// spawn writes p on its own goroutine with a detached context. When
// acquire is set the goroutine first waits for a flush slot.
func (w *Writer) spawn(p pending, acquire bool) {
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		if acquire {
			w.sem <- struct{}{}
		}
		defer func() { <-w.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
		defer cancel()
		_, _ = w.write(ctx, p.ticks, p.depth, p.orders)
	}()
}

func (w *Writer) write(
	ctx context.Context,
	ticks []domain.Tick,
	depth []domain.DepthSnapshot,
	orders []domain.OrderStatus,
) (map[domain.EventKind]int64, error) {
	written := make(map[domain.EventKind]int64)
	var errs []error

	if len(ticks) > 0 {
		n, err := writeChunks(ctx, w, TableTicks, ticks, w.cfg.BatchSize, w.stores.Ticks.InsertBatch)
		written[domain.KindTick] = n
		errs = append(errs, err)
	}
	if len(depth) > 0 {
		n, err := writeChunks(ctx, w, TableDepth, depth, w.cfg.DepthBatchSize, w.stores.Depth.InsertBatch)
		written[domain.KindDepth] = n
		errs = append(errs, err)
	}
	if len(orders) > 0 {
		n, err := writeChunks(ctx, w, TableOrders, orders, w.cfg.BatchSize, w.stores.Orders.InsertBatch)
		written[domain.KindOrderStatus] = n
		errs = append(errs, err)
	}
	return written, errors.Join(errs...)
}

// writeChunks inserts items in chunks of size. A failed chunk is logged with
// its symbols, time range and size, counted, and not retried.
func writeChunks[T domain.MarketEvent](
	ctx context.Context,
	w *Writer,
	table string,
	items []T,
	size int,
	insert func(context.Context, []T) (int64, error),
) (int64, error) {
	var (
		total int64
		errs  []error
	)
	for start := 0; start < len(items); start += size {
		chunk := items[start:min(start+size, len(items))]

		began := time.Now()
		n, err := insert(ctx, chunk)
		w.metrics.FlushDuration(table, time.Since(began))
		if err != nil {
			symbols, from, to := summarize(chunk)
			w.metrics.Error(metrics.CategoryStorage)
			w.logger.Error("batch write failed",
				slog.String("table", table),
				slog.Int("count", len(chunk)),
				slog.Any("symbols", symbols),
				slog.Time("from", from),
				slog.Time("to", to),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("persist: write %s: %w", table, err))
			continue
		}
		total += n
		w.metrics.RowsWritten(table, n)
	}
	if total > 0 {
		w.logger.Debug("batch written", slog.String("table", table), slog.Int64("rows", total))
	}
	return total, errors.Join(errs...)
}

func summarize[T domain.MarketEvent](items []T) (symbols []string, from, to time.Time) {
	seen := make(map[string]struct{})
	for i, ev := range items {
		if _, ok := seen[ev.EventSymbol()]; !ok {
			seen[ev.EventSymbol()] = struct{}{}
			symbols = append(symbols, ev.EventSymbol())
		}
		t := ev.EventTime()
		if i == 0 || t.Before(from) {
			from = t
		}
		if i == 0 || t.After(to) {
			to = t
		}
	}
	sort.Strings(symbols)
	return symbols, from, to
}
