package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

// Decode parses one upstream frame into a MarketEvent. The envelope is
// {"Type": "T|D|O|H", "Content": ...} where Content is either an object or a
// JSON-encoded string. Field names inside Content are matched case-insensitively.
// Timestamps without a zone are venue-local times in venue (UTC when nil).
func Decode(data []byte, receivedAt time.Time, venue *time.Location) (domain.MarketEvent, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("dispatch: decode envelope: %w", err)
	}

	typ := lookupRaw(env, "Type", "type")
	if len(typ) == 0 {
		return nil, domain.ErrMissingType
	}
	var kind string
	if err := json.Unmarshal(typ, &kind); err != nil || kind == "" {
		return nil, domain.ErrMissingType
	}

	content, text, err := unwrapContent(lookupRaw(env, "Content", "content"))
	if err != nil {
		return nil, err
	}
	if venue == nil {
		venue = time.UTC
	}
	at := stamp{receivedAt: receivedAt, venue: venue}

	switch strings.ToUpper(kind) {
	case string(domain.ChannelTick):
		return decodeTick(content, at)
	case string(domain.ChannelDepth):
		return decodeDepth(content, at)
	case string(domain.ChannelOrderStatus):
		return decodeOrderStatus(content, at)
	case string(domain.ChannelHeartbeat):
		status := text
		if s := content.str("status"); s != "" {
			status = s
		}
		return domain.NewHeartbeat(status, content.time(at, "time", "timestamp")), nil
	}
	return nil, fmt.Errorf("dispatch: type %q: %w", kind, domain.ErrUnknownType)
}

func decodeTick(f fields, at stamp) (domain.MarketEvent, error) {
	symbol := f.symbol()
	if symbol == "" {
		return nil, fmt.Errorf("dispatch: tick without symbol: %w", domain.ErrInvalidEvent)
	}
	// "volume" is the trade size unless a per-trade size is also present, in
	// which case it is the session total.
	qty := f.int64("quantity", "lastvolume", "lastquantity", "volume")
	total := f.int64("totalvolume")
	if total == 0 && (f.has("quantity") || f.has("lastvolume")) {
		total = f.int64("volume")
	}
	return domain.Tick{
		Symbol:      symbol,
		Price:       f.decimal("price", "last", "lastprice"),
		Quantity:    qty,
		Bid:         f.decimal("bid", "bidprice"),
		Ask:         f.decimal("ask", "askprice"),
		BidSize:     f.int64("bidsize"),
		AskSize:     f.int64("asksize"),
		TotalVolume: total,
		Value:       f.decimal("value", "turnover"),
		Direction:   domain.ParseDirection(f.str("direction", "side")),
		Buyer:       f.str("buyer"),
		Seller:      f.str("seller"),
		TradeID:     f.str("tradeid", "id"),
		Time:        f.time(at, "time", "tradetime", "timestamp"),
		ReceivedAt:  at.receivedAt,
	}, nil
}

func decodeDepth(f fields, at stamp) (domain.MarketEvent, error) {
	symbol := f.symbol()
	if symbol == "" {
		return nil, fmt.Errorf("dispatch: depth without symbol: %w", domain.ErrInvalidEvent)
	}
	bids, err := f.levels("bids")
	if err != nil {
		return nil, err
	}
	asks, err := f.levels("asks")
	if err != nil {
		return nil, err
	}
	return domain.NewDepthSnapshot(symbol, bids, asks, f.time(at, "time", "timestamp"), at.receivedAt), nil
}

func decodeOrderStatus(f fields, at stamp) (domain.MarketEvent, error) {
	orderID := f.str("orderid", "id", "order_id")
	if orderID == "" {
		return nil, fmt.Errorf("dispatch: order status without order id: %w", domain.ErrInvalidEvent)
	}
	symbol := f.symbol()
	if symbol == "" {
		return nil, fmt.Errorf("dispatch: order %s without symbol: %w", orderID, domain.ErrInvalidEvent)
	}
	return domain.OrderStatus{
		OrderID:        orderID,
		Symbol:         symbol,
		Status:         int(f.int64("status")),
		StatusText:     f.str("statustext", "status_text", "description"),
		Quantity:       f.int64("quantity"),
		FilledQuantity: f.int64("filledquantity", "filled_quantity", "filled"),
		Price:          f.decimal("price"),
		Time:           f.time(at, "timestamp", "time"),
		ReceivedAt:     at.receivedAt,
	}, nil
}

// --------------------------------------------------------------------------
// Field access
// --------------------------------------------------------------------------

// fields is a Content object with lower-cased keys.
type fields map[string]any

func lookupRaw(env map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := env[k]; ok {
			return v
		}
	}
	return nil
}

// unwrapContent returns Content as fields. When Content is a JSON string that
// does not itself hold an object, the string is returned as text.
func unwrapContent(raw json.RawMessage) (fields, string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fields{}, "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, "", fmt.Errorf("dispatch: decode content string: %w", err)
		}
		trimmed := strings.TrimSpace(s)
		if !strings.HasPrefix(trimmed, "{") {
			return fields{}, trimmed, nil
		}
		raw = []byte(trimmed)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, "", fmt.Errorf("dispatch: decode content: %w", err)
	}
	return lowerKeys(m), "", nil
}

func lowerKeys(m map[string]any) fields {
	out := make(fields, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func (f fields) first(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := f[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (f fields) has(key string) bool {
	v, ok := f[key]
	return ok && v != nil
}

func (f fields) symbol() string {
	return strings.ToUpper(f.str("symbol", "code", "ticker"))
}

func (f fields) str(keys ...string) string {
	v, ok := f.first(keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func (f fields) decimal(keys ...string) decimal.Decimal {
	for _, k := range keys {
		v, ok := f[k]
		if !ok || v == nil {
			continue
		}
		if d, ok := toDecimal(v); ok {
			return d
		}
	}
	return decimal.Zero
}

func (f fields) int64(keys ...string) int64 {
	for _, k := range keys {
		v, ok := f[k]
		if !ok || v == nil {
			continue
		}
		if d, ok := toDecimal(v); ok {
			return d.IntPart()
		}
	}
	return 0
}

func toDecimal(v any) (decimal.Decimal, bool) {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	default:
		return decimal.Zero, false
	}
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// stamp carries the receipt time and the venue zone for timestamp parsing.
type stamp struct {
	receivedAt time.Time
	venue      *time.Location
}

// time returns the first parseable timestamp among keys, or the receipt time.
func (f fields) time(at stamp, keys ...string) time.Time {
	for _, k := range keys {
		v, ok := f[k]
		if !ok || v == nil {
			continue
		}
		if t, ok := parseTime(v, at); ok {
			return t
		}
	}
	return at.receivedAt
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTime(v any, at stamp) (time.Time, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(n), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromEpoch(n), true
		}
		for _, layout := range timeLayouts {
			if ts, err := time.ParseInLocation(layout, s, at.venue); err == nil {
				return ts.UTC(), true
			}
		}
		// Time of day only: anchor it to the receipt date at the venue.
		for _, layout := range []string{"15:04:05.999999999", "15:04:05"} {
			if ts, err := time.ParseInLocation(layout, s, at.venue); err == nil {
				y, m, d := at.receivedAt.In(at.venue).Date()
				return time.Date(y, m, d, ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), at.venue).UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// fromEpoch treats values above 1e11 as milliseconds and smaller ones as seconds.
func fromEpoch(n int64) time.Time {
	if n > 1e11 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// levels decodes a book side given either as objects
// ({"price", "quantity", "orderCount"}) or as [price, quantity] pairs.
func (f fields) levels(key string) ([]domain.PriceLevel, error) {
	raw, ok := f[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("dispatch: %s is not a list: %w", key, domain.ErrInvalidEvent)
	}
	out := make([]domain.PriceLevel, 0, len(items))
	for _, item := range items {
		switch lv := item.(type) {
		case map[string]any:
			lf := lowerKeys(lv)
			out = append(out, domain.PriceLevel{
				Price:  lf.decimal("price"),
				Size:   lf.int64("quantity", "size", "volume"),
				Orders: int(lf.int64("ordercount", "orders")),
			})
		case []any:
			if len(lv) < 2 {
				continue
			}
			price, _ := toDecimal(lv[0])
			size, _ := toDecimal(lv[1])
			level := domain.PriceLevel{Price: price, Size: size.IntPart()}
			if len(lv) > 2 {
				if n, ok := toDecimal(lv[2]); ok {
					level.Orders = int(n.IntPart())
				}
			}
			out = append(out, level)
		}
	}
	return out, nil
}
