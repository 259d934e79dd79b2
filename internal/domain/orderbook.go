package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single price+size entry in an order book.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Size   int64           `json:"size"`
	Orders int             `json:"orders,omitempty"`
}

// DepthSnapshot is a point-in-time view of one symbol's book. Bids are ordered
// best (highest) first, asks best (lowest) first.
type DepthSnapshot struct {
	Symbol     string       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Time       time.Time    `json:"time"`
	ReceivedAt time.Time    `json:"received_at"`
}

// NewDepthSnapshot copies the level slices so the snapshot never aliases
// caller-owned memory.
func NewDepthSnapshot(symbol string, bids, asks []PriceLevel, at, receivedAt time.Time) DepthSnapshot {
	return DepthSnapshot{
		Symbol:     symbol,
		Bids:       append([]PriceLevel(nil), bids...),
		Asks:       append([]PriceLevel(nil), asks...),
		Time:       at,
		ReceivedAt: receivedAt,
	}
}

func (DepthSnapshot) Kind() EventKind        { return KindDepth }
func (d DepthSnapshot) EventSymbol() string  { return d.Symbol }
func (d DepthSnapshot) EventTime() time.Time { return d.Time }

// Valid reports whether the snapshot has a symbol, a time and at least one level.
func (d DepthSnapshot) Valid() bool {
	return d.Symbol != "" && !d.Time.IsZero() && (len(d.Bids) > 0 || len(d.Asks) > 0)
}

// BestBid returns the top bid level, if any.
func (d DepthSnapshot) BestBid() (PriceLevel, bool) {
	if len(d.Bids) == 0 {
		return PriceLevel{}, false
	}
	return d.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (d DepthSnapshot) BestAsk() (PriceLevel, bool) {
	if len(d.Asks) == 0 {
		return PriceLevel{}, false
	}
	return d.Asks[0], true
}

// Spread is best ask minus best bid; zero when either side is empty.
func (d DepthSnapshot) Spread() decimal.Decimal {
	bid, okB := d.BestBid()
	ask, okA := d.BestAsk()
	if !okB || !okA {
		return decimal.Zero
	}
	return ask.Price.Sub(bid.Price)
}

// MidPrice is the average of best bid and best ask; zero when either side is empty.
func (d DepthSnapshot) MidPrice() decimal.Decimal {
	bid, okB := d.BestBid()
	ask, okA := d.BestAsk()
	if !okB || !okA {
		return decimal.Zero
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
}

// ImbalanceRatio is total bid size over total ask size, rounded to 4 places.
// Zero when the ask side is empty.
func (d DepthSnapshot) ImbalanceRatio() decimal.Decimal {
	var bidVol, askVol int64
	for _, l := range d.Bids {
		bidVol += l.Size
	}
	for _, l := range d.Asks {
		askVol += l.Size
	}
	if askVol == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(bidVol).DivRound(decimal.NewFromInt(askVol), 4)
}
