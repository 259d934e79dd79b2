package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TickStore persists ticks keyed by (symbol, time). Duplicate keys are ignored.
type TickStore interface {
	InsertBatch(ctx context.Context, ticks []Tick) (int64, error)
	ListBySymbol(ctx context.Context, symbol string, opts ListOpts) ([]Tick, error)
	// ListRange returns rows with from <= time < to, oldest first.
	ListRange(ctx context.Context, from, to time.Time) ([]Tick, error)
	// Oldest returns the earliest stored time; ok is false when empty.
	Oldest(ctx context.Context) (t time.Time, ok bool, err error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// DepthStore persists order book snapshots keyed by (symbol, time). A
// duplicate key replaces the stored levels.
type DepthStore interface {
	InsertBatch(ctx context.Context, snaps []DepthSnapshot) (int64, error)
	ListBySymbol(ctx context.Context, symbol string, opts ListOpts) ([]DepthSnapshot, error)
	// ListRange returns rows with from <= time < to, oldest first.
	ListRange(ctx context.Context, from, to time.Time) ([]DepthSnapshot, error)
	// Oldest returns the earliest stored time; ok is false when empty.
	Oldest(ctx context.Context) (t time.Time, ok bool, err error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// OrderStatusStore persists order status history keyed by (order id, status, time).
type OrderStatusStore interface {
	InsertBatch(ctx context.Context, updates []OrderStatus) (int64, error)
	ListByOrder(ctx context.Context, orderID string) ([]OrderStatus, error)
	// ListRange returns rows with from <= time < to, oldest first.
	ListRange(ctx context.Context, from, to time.Time) ([]OrderStatus, error)
	// Oldest returns the earliest stored time; ok is false when empty.
	Oldest(ctx context.Context) (t time.Time, ok bool, err error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry records an operational event such as a retention run.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore appends and lists audit entries.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
