package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

// DepthStore implements domain.DepthStore on order_book_snapshots.
type DepthStore struct {
	pool *pgxpool.Pool
}

// NewDepthStore creates a DepthStore backed by the given pool.
func NewDepthStore(pool *pgxpool.Pool) *DepthStore {
	return &DepthStore{pool: pool}
}

const depthSelectCols = `symbol, time, bids, asks, received_at`

// A repeated (symbol, time) replaces the stored book: the venue resends a
// corrected snapshot under the same timestamp.
const depthUpsert = `
	INSERT INTO order_book_snapshots (
		symbol, time, bids, asks,
		best_bid, best_ask, best_bid_size, best_ask_size,
		spread, mid_price, imbalance, received_at
	) VALUES (
		$1, $2, $3, $4,
		$5, $6, $7, $8,
		$9, $10, $11, $12
	) ON CONFLICT (symbol, time) DO UPDATE SET
		bids          = EXCLUDED.bids,
		asks          = EXCLUDED.asks,
		best_bid      = EXCLUDED.best_bid,
		best_ask      = EXCLUDED.best_ask,
		best_bid_size = EXCLUDED.best_bid_size,
		best_ask_size = EXCLUDED.best_ask_size,
		spread        = EXCLUDED.spread,
		mid_price     = EXCLUDED.mid_price,
		imbalance     = EXCLUDED.imbalance,
		received_at   = EXCLUDED.received_at`

// depthRow is one snapshot flattened into column values.
type depthRow struct {
	bids, asks                  []byte
	bestBid, bestAsk            any
	bestBidSize, bestAskSize    any
	spread, midPrice, imbalance any
}

func newDepthRow(d domain.DepthSnapshot) (depthRow, error) {
	bids, err := json.Marshal(nonNilLevels(d.Bids))
	if err != nil {
		return depthRow{}, fmt.Errorf("postgres: encode bids %s: %w", d.Symbol, err)
	}
	asks, err := json.Marshal(nonNilLevels(d.Asks))
	if err != nil {
		return depthRow{}, fmt.Errorf("postgres: encode asks %s: %w", d.Symbol, err)
	}

	row := depthRow{bids: bids, asks: asks}
	if b, ok := d.BestBid(); ok {
		row.bestBid, row.bestBidSize = b.Price, b.Size
	}
	if a, ok := d.BestAsk(); ok {
		row.bestAsk, row.bestAskSize = a.Price, a.Size
	}
	if row.bestBid != nil && row.bestAsk != nil {
		row.spread, row.midPrice = d.Spread(), d.MidPrice()
	}
	row.imbalance = d.ImbalanceRatio()
	return row, nil
}

func nonNilLevels(levels []domain.PriceLevel) []domain.PriceLevel {
	if levels == nil {
		return []domain.PriceLevel{}
	}
	return levels
}

func scanDepthRows(rows pgx.Rows) ([]domain.DepthSnapshot, error) {
	var out []domain.DepthSnapshot
	for rows.Next() {
		var (
			d          domain.DepthSnapshot
			bids, asks []byte
		)
		if err := rows.Scan(&d.Symbol, &d.Time, &bids, &asks, &d.ReceivedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(bids, &d.Bids); err != nil {
			return nil, fmt.Errorf("decode bids %s: %w", d.Symbol, err)
		}
		if err := json.Unmarshal(asks, &d.Asks); err != nil {
			return nil, fmt.Errorf("decode asks %s: %w", d.Symbol, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertBatch upserts snapshots in one round trip and returns the rows
// written.
func (s *DepthStore) InsertBatch(ctx context.Context, snaps []domain.DepthSnapshot) (int64, error) {
	if len(snaps) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, d := range snaps {
		row, err := newDepthRow(d)
		if err != nil {
			return 0, err
		}
		batch.Queue(depthUpsert,
			d.Symbol, d.Time, row.bids, row.asks,
			row.bestBid, row.bestAsk, row.bestBidSize, row.bestAskSize,
			row.spread, row.midPrice, row.imbalance, receivedAt(d.ReceivedAt),
		)
	}
	return execBatch(ctx, s.pool, batch, len(snaps), "depth")
}

// ListBySymbol returns a symbol's snapshots, newest first.
func (s *DepthStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.DepthSnapshot, error) {
	query, args := listClause(
		`SELECT `+depthSelectCols+` FROM order_book_snapshots WHERE symbol = $1`,
		[]any{symbol}, "time", opts.Since, opts.Until, opts.Limit, opts.Offset,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list depth %s: %w", symbol, err)
	}
	defer rows.Close()

	out, err := scanDepthRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan depth %s: %w", symbol, err)
	}
	return out, nil
}

// ListRange returns snapshots with from <= time < to, oldest first.
func (s *DepthStore) ListRange(ctx context.Context, from, to time.Time) ([]domain.DepthSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+depthSelectCols+` FROM order_book_snapshots WHERE time >= $1 AND time < $2 ORDER BY time, symbol`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list depth range: %w", err)
	}
	defer rows.Close()

	out, err := scanDepthRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan depth range: %w", err)
	}
	return out, nil
}

// Oldest returns the earliest snapshot time.
func (s *DepthStore) Oldest(ctx context.Context) (time.Time, bool, error) {
	return oldest(ctx, s.pool, "order_book_snapshots")
}

// DeleteBefore removes snapshots older than cutoff and returns the count.
func (s *DepthStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return deleteBefore(ctx, s.pool, "order_book_snapshots", cutoff)
}

var _ domain.DepthStore = (*DepthStore)(nil)
