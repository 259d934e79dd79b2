package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is an order lifecycle update pushed by the venue.
type OrderStatus struct {
	OrderID        string          `json:"order_id"`
	Symbol         string          `json:"symbol"`
	Status         int             `json:"status"`
	StatusText     string          `json:"status_text"`
	Quantity       int64           `json:"quantity"`
	FilledQuantity int64           `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price"`
	Time           time.Time       `json:"time"`
	ReceivedAt     time.Time       `json:"received_at"`
}

func (OrderStatus) Kind() EventKind        { return KindOrderStatus }
func (o OrderStatus) EventSymbol() string  { return o.Symbol }
func (o OrderStatus) EventTime() time.Time { return o.Time }

// Valid reports whether the update can be stored.
func (o OrderStatus) Valid() bool {
	return o.OrderID != "" && o.Symbol != "" && !o.Time.IsZero()
}
