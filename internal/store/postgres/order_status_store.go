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

// OrderStatusStore implements domain.OrderStatusStore on
// order_status_history.
type OrderStatusStore struct {
	pool *pgxpool.Pool
}

// NewOrderStatusStore creates an OrderStatusStore backed by the given pool.
func NewOrderStatusStore(pool *pgxpool.Pool) *OrderStatusStore {
	return &OrderStatusStore{pool: pool}
}

const orderStatusSelectCols = `order_id, symbol, status, status_text, quantity,
	filled_quantity, price, time, received_at`

const orderStatusInsert = `
	INSERT INTO order_status_history (
		order_id, symbol, status, status_text, quantity,
		filled_quantity, price, time, received_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9
	) ON CONFLICT (order_id, status, time) DO NOTHING`

func scanOrderStatusRows(rows pgx.Rows) ([]domain.OrderStatus, error) {
	var out []domain.OrderStatus
	for rows.Next() {
		var (
			o          domain.OrderStatus
			statusText *string
			price      decimal.NullDecimal
		)
		if err := rows.Scan(
			&o.OrderID, &o.Symbol, &o.Status, &statusText, &o.Quantity,
			&o.FilledQuantity, &price, &o.Time, &o.ReceivedAt,
		); err != nil {
			return nil, err
		}
		o.StatusText = deref(statusText)
		o.Price = price.Decimal
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertBatch appends status updates and returns how many were new.
func (s *OrderStatusStore) InsertBatch(ctx context.Context, updates []domain.OrderStatus) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, o := range updates {
		batch.Queue(orderStatusInsert,
			o.OrderID, o.Symbol, o.Status, nullString(o.StatusText), o.Quantity,
			o.FilledQuantity, nullDecimal(o.Price), o.Time, receivedAt(o.ReceivedAt),
		)
	}
	return execBatch(ctx, s.pool, batch, len(updates), "order status")
}

// ListByOrder returns one order's history, oldest first.
func (s *OrderStatusStore) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderStatusSelectCols+` FROM order_status_history WHERE order_id = $1 ORDER BY time, status`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list order %s: %w", orderID, err)
	}
	defer rows.Close()

	out, err := scanOrderStatusRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan order %s: %w", orderID, err)
	}
	return out, nil
}

// ListRange returns updates with from <= time < to, oldest first.
func (s *OrderStatusStore) ListRange(ctx context.Context, from, to time.Time) ([]domain.OrderStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderStatusSelectCols+` FROM order_status_history WHERE time >= $1 AND time < $2 ORDER BY time, order_id`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list order status range: %w", err)
	}
	defer rows.Close()

	out, err := scanOrderStatusRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan order status range: %w", err)
	}
	return out, nil
}

// Oldest returns the earliest update time.
func (s *OrderStatusStore) Oldest(ctx context.Context) (time.Time, bool, error) {
	return oldest(ctx, s.pool, "order_status_history")
}

// DeleteBefore removes updates older than cutoff and returns the count.
func (s *OrderStatusStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return deleteBefore(ctx, s.pool, "order_status_history", cutoff)
}

var _ domain.OrderStatusStore = (*OrderStatusStore)(nil)
