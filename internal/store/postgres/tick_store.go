package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

// TickStore implements domain.TickStore on the market_ticks table.
type TickStore struct {
	pool *pgxpool.Pool
}

// NewTickStore creates a TickStore backed by the given pool.
func NewTickStore(pool *pgxpool.Pool) *TickStore {
	return &TickStore{pool: pool}
}

const tickSelectCols = `symbol, time, price, quantity, bid, ask, bid_size, ask_size,
	total_volume, value, direction, buyer, seller, trade_id, received_at`

const tickInsert = `
	INSERT INTO market_ticks (
		symbol, time, price, quantity, bid, ask, bid_size, ask_size,
		total_volume, value, direction, buyer, seller, trade_id, received_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8,
		$9, $10, $11, $12, $13, $14, $15
	) ON CONFLICT (symbol, time) DO NOTHING`

func scanTickRows(rows pgx.Rows) ([]domain.Tick, error) {
	var ticks []domain.Tick
	for rows.Next() {
		var (
			t                       domain.Tick
			bid, ask, value         decimal.NullDecimal
			bidSize, askSize, total *int64
			direction               string
			buyer, seller, tradeID  *string
		)
		if err := rows.Scan(
			&t.Symbol, &t.Time, &t.Price, &t.Quantity, &bid, &ask, &bidSize, &askSize,
			&total, &value, &direction, &buyer, &seller, &tradeID, &t.ReceivedAt,
		); err != nil {
			return nil, err
		}
		t.Bid, t.Ask, t.Value = bid.Decimal, ask.Decimal, value.Decimal
		t.BidSize, t.AskSize, t.TotalVolume = deref(bidSize), deref(askSize), deref(total)
		t.Direction = domain.Direction(direction)
		t.Buyer, t.Seller, t.TradeID = deref(buyer), deref(seller), deref(tradeID)
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// InsertBatch writes ticks in one round trip and returns how many were new.
// A tick whose (symbol, time) already exists is skipped.
func (s *TickStore) InsertBatch(ctx context.Context, ticks []domain.Tick) (int64, error) {
	if len(ticks) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, t := range ticks {
		batch.Queue(tickInsert,
			t.Symbol, t.Time, t.Price, t.Quantity,
			nullDecimal(t.Bid), nullDecimal(t.Ask), nullInt(t.BidSize), nullInt(t.AskSize),
			nullInt(t.TotalVolume), nullDecimal(t.Value), directionOrUnknown(t.Direction),
			nullString(t.Buyer), nullString(t.Seller), nullString(t.TradeID), receivedAt(t.ReceivedAt),
		)
	}
	return execBatch(ctx, s.pool, batch, len(ticks), "tick")
}

// ListBySymbol returns a symbol's ticks, newest first.
func (s *TickStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Tick, error) {
	query, args := listClause(
		`SELECT `+tickSelectCols+` FROM market_ticks WHERE symbol = $1`,
		[]any{symbol}, "time", opts.Since, opts.Until, opts.Limit, opts.Offset,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ticks %s: %w", symbol, err)
	}
	defer rows.Close()

	ticks, err := scanTickRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ticks %s: %w", symbol, err)
	}
	return ticks, nil
}

// ListRange returns ticks with from <= time < to, oldest first.
func (s *TickStore) ListRange(ctx context.Context, from, to time.Time) ([]domain.Tick, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tickSelectCols+` FROM market_ticks WHERE time >= $1 AND time < $2 ORDER BY time, symbol`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tick range: %w", err)
	}
	defer rows.Close()

	ticks, err := scanTickRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan tick range: %w", err)
	}
	return ticks, nil
}

// Oldest returns the earliest tick time.
func (s *TickStore) Oldest(ctx context.Context) (time.Time, bool, error) {
	return oldest(ctx, s.pool, "market_ticks")
}

// DeleteBefore removes ticks older than cutoff and returns the count.
func (s *TickStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return deleteBefore(ctx, s.pool, "market_ticks", cutoff)
}

var _ domain.TickStore = (*TickStore)(nil)
