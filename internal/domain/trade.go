package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the aggressor side of a trade.
type Direction string

const (
	DirectionBuy     Direction = "buy"
	DirectionSell    Direction = "sell"
	DirectionUnknown Direction = "unknown"
)

// ParseDirection maps venue spellings ("BUY", "B", "SELL", "S", ...) to a Direction.
func ParseDirection(s string) Direction {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B", "ALIS", "A":
		return DirectionBuy
	case "SELL", "S", "SATIS":
		return DirectionSell
	default:
		return DirectionUnknown
	}
}

// Tick is a single trade/price update for one symbol. (Symbol, Time) is its
// identity in every store.
type Tick struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	BidSize     int64           `json:"bid_size"`
	AskSize     int64           `json:"ask_size"`
	TotalVolume int64           `json:"total_volume,omitempty"`
	Value       decimal.Decimal `json:"value"`
	Direction   Direction       `json:"direction"`
	Buyer       string          `json:"buyer,omitempty"`
	Seller      string          `json:"seller,omitempty"`
	TradeID     string          `json:"trade_id,omitempty"`
	Time        time.Time       `json:"time"`
	ReceivedAt  time.Time       `json:"received_at"`
}

func (Tick) Kind() EventKind        { return KindTick }
func (t Tick) EventSymbol() string  { return t.Symbol }
func (t Tick) EventTime() time.Time { return t.Time }

// Valid reports whether the tick carries a symbol, a time and a positive price.
func (t Tick) Valid() bool {
	return t.Symbol != "" && !t.Time.IsZero() && t.Price.IsPositive()
}

// Key returns the (symbol, time) identity used for deduplication.
func (t Tick) Key() string {
	return t.Symbol + "|" + t.Time.UTC().Format(time.RFC3339Nano)
}
