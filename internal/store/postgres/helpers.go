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

// execBatch sends batch and sums the affected rows of its n statements.
func execBatch(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch, n int, what string) (int64, error) {
	br := pool.SendBatch(ctx, batch)
	defer br.Close()

	var affected int64
	for i := 0; i < n; i++ {
		tag, err := br.Exec()
		if err != nil {
			return affected, fmt.Errorf("postgres: insert %s batch item %d: %w", what, i, err)
		}
		affected += tag.RowsAffected()
	}
	return affected, nil
}

// oldest returns MIN(time) of table. table is always a package constant.
func oldest(ctx context.Context, pool *pgxpool.Pool, table string) (time.Time, bool, error) {
	var ts *time.Time
	if err := pool.QueryRow(ctx, "SELECT MIN(time) FROM "+table).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("postgres: oldest %s: %w", table, err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// deleteBefore removes rows of table older than cutoff.
func deleteBefore(ctx context.Context, pool *pgxpool.Pool, table string, cutoff time.Time) (int64, error) {
	tag, err := pool.Exec(ctx, "DELETE FROM "+table+" WHERE time < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete %s before %s: %w", table, cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func nullDecimal(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func receivedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func directionOrUnknown(d domain.Direction) string {
	if d == "" {
		return string(domain.DirectionUnknown)
	}
	return string(d)
}
