package dispatch

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

var received = time.Date(2024, 3, 15, 7, 30, 0, 0, time.UTC)

func TestDecodeTick(t *testing.T) {
	ev, err := Decode([]byte(`{"Type":"T","Content":{"Symbol":"garan","Price":"45.62","Quantity":1500,
		"Bid":45.60,"Ask":45.64,"Direction":"B","Time":"2024-03-15T10:30:00Z"}}`), received, nil)
	require.NoError(t, err)

	tick, ok := ev.(domain.Tick)
	require.True(t, ok)
	assert.Equal(t, "GARAN", tick.Symbol)
	assert.True(t, decimal.RequireFromString("45.62").Equal(tick.Price))
	assert.EqualValues(t, 1500, tick.Quantity)
	assert.True(t, decimal.RequireFromString("45.64").Equal(tick.Ask))
	assert.Equal(t, domain.DirectionBuy, tick.Direction)
	assert.Equal(t, time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC), tick.Time.UTC())
	assert.Equal(t, received, tick.ReceivedAt)
}

func TestDecodeTickAlternateFields(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"T","content":"{\"symbol\":\"THYAO\",\"last\":250.5,\"lastVolume\":10,\"volume\":900000,\"timestamp\":1710498600000}"}`), received, nil)
	require.NoError(t, err)

	tick := ev.(domain.Tick)
	assert.True(t, decimal.RequireFromString("250.5").Equal(tick.Price))
	assert.EqualValues(t, 10, tick.Quantity)
	assert.EqualValues(t, 900000, tick.TotalVolume)
	assert.Equal(t, time.UnixMilli(1710498600000).UTC(), tick.Time)
}

func TestDecodeTimeFormats(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"space separated", `"2024-03-15 10:30:05"`, time.Date(2024, 3, 15, 10, 30, 5, 0, time.UTC)},
		{"time of day", `"10:30:05"`, time.Date(2024, 3, 15, 10, 30, 5, 0, time.UTC)},
		{"epoch seconds", `1710498600`, time.Unix(1710498600, 0).UTC()},
		{"missing falls back", `""`, received},
		{"garbage falls back", `"soon"`, received},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(`{"Type":"T","Content":{"symbol":"GARAN","price":1,"time":`+tt.raw+`}}`), received, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.EventTime())
		})
	}
}

func TestDecodeVenueLocalTimes(t *testing.T) {
	istanbul, err := time.LoadLocation("Europe/Istanbul")
	require.NoError(t, err)
	// 22:30 UTC on the 14th is already the 15th in Istanbul.
	late := time.Date(2024, 3, 14, 22, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		raw      string
		received time.Time
		want     time.Time
	}{
		{"space separated", `"2024-01-02 10:00:00"`, received, time.Date(2024, 1, 2, 7, 0, 0, 0, time.UTC)},
		{"time of day", `"10:30:05"`, received, time.Date(2024, 3, 15, 7, 30, 5, 0, time.UTC)},
		{"time of day uses venue date", `"01:15:00"`, late, time.Date(2024, 3, 14, 22, 15, 0, 0, time.UTC)},
		{"explicit zone wins", `"2024-03-15T10:30:00Z"`, received, time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)},
		{"epoch ignores zone", `1710498600`, received, time.Unix(1710498600, 0).UTC()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(`{"Type":"T","Content":{"symbol":"GARAN","price":1,"time":`+tt.raw+`}}`), tt.received, istanbul)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.EventTime())
		})
	}
}

func TestDecodeDepth(t *testing.T) {
	ev, err := Decode([]byte(`{"Type":"D","Content":{"symbol":"AKBNK",
		"bids":[{"price":"30.10","quantity":500,"orderCount":3},{"price":"30.08","quantity":200}],
		"asks":[["30.12",400,2]]}}`), received, nil)
	require.NoError(t, err)

	snap := ev.(domain.DepthSnapshot)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, 3, snap.Bids[0].Orders)
	assert.EqualValues(t, 400, snap.Asks[0].Size)
	assert.Equal(t, 2, snap.Asks[0].Orders)
	assert.True(t, decimal.RequireFromString("0.02").Equal(snap.Spread()))
	assert.Equal(t, received, snap.Time)
}

func TestDecodeOrderStatus(t *testing.T) {
	ev, err := Decode([]byte(`{"Type":"O","Content":{"orderId":"A1","symbol":"SISE","status":2,
		"statusText":"Filled","quantity":100,"filledQuantity":100,"price":"41.2","timestamp":"2024-03-15 10:31:00"}}`), received, nil)
	require.NoError(t, err)

	o := ev.(domain.OrderStatus)
	assert.Equal(t, "A1", o.OrderID)
	assert.Equal(t, 2, o.Status)
	assert.Equal(t, "Filled", o.StatusText)
	assert.EqualValues(t, 100, o.FilledQuantity)
	assert.True(t, o.Valid())
}

func TestDecodeHeartbeat(t *testing.T) {
	ev, err := Decode([]byte(`{"Type":"H","Content":"alive"}`), received, nil)
	require.NoError(t, err)
	hb := ev.(domain.Heartbeat)
	assert.Equal(t, "alive", hb.Status)
	assert.Equal(t, received, hb.Time)

	ev, err = Decode([]byte(`{"Type":"H"}`), received, nil)
	require.NoError(t, err)
	assert.Equal(t, "alive", ev.(domain.Heartbeat).Status)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"missing type", `{"Content":{"symbol":"GARAN"}}`, domain.ErrMissingType},
		{"empty type", `{"Type":"","Content":{}}`, domain.ErrMissingType},
		{"unknown type", `{"Type":"X","Content":{}}`, domain.ErrUnknownType},
		{"tick without symbol", `{"Type":"T","Content":{"price":1}}`, domain.ErrInvalidEvent},
		{"order without id", `{"Type":"O","Content":{"symbol":"GARAN"}}`, domain.ErrInvalidEvent},
		{"bids not a list", `{"Type":"D","Content":{"symbol":"GARAN","bids":5}}`, domain.ErrInvalidEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data), received, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Decode([]byte(`not json`), received, nil)
	assert.Error(t, err)
}
