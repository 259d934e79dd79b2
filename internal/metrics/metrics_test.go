package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPromCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm(reg)

	p.Error(CategoryDecode)
	p.Error(CategoryDecode)
	p.Error(CategoryStorage)
	p.Dropped("fanout")
	p.RowsWritten("market_ticks", 42)
	p.FlushDuration("market_ticks", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.errors.WithLabelValues("decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.errors.WithLabelValues("storage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.dropped.WithLabelValues("fanout")))
	assert.Equal(t, 42.0, testutil.ToFloat64(p.rows.WithLabelValues("market_ticks")))
}

func TestPromConnectionStateIsExclusive(t *testing.T) {
	p := NewProm(prometheus.NewRegistry())

	p.ConnectionState("connecting")
	p.ConnectionState("connected")

	assert.Equal(t, 1.0, testutil.ToFloat64(p.state.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.state.WithLabelValues("connecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.state.WithLabelValues("reconnecting")))
}

func TestMemorySnapshotIsACopy(t *testing.T) {
	m := NewMemory()
	m.Error(CategoryTransport)
	m.Frame("tick")
	m.Reconnect("success")
	m.ConnectionState("connected")
	m.RowsWritten("market_ticks", 3)
	m.RowsWritten("market_ticks", 2)

	snap := m.Snapshot()
	snap.Errors[CategoryTransport] = 99

	assert.Equal(t, int64(1), m.Errors(CategoryTransport))
	assert.Equal(t, int64(1), snap.Frames["tick"])
	assert.Equal(t, int64(1), snap.Reconnects["success"])
	assert.Equal(t, int64(5), snap.Rows["market_ticks"])
	assert.Equal(t, "connected", snap.State)
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	r := Multi{a, b, Nop{}}

	r.Error(CategoryCache)
	r.Dropped("persist")
	r.Dropped("persist")

	for _, m := range []*Memory{a, b} {
		assert.Equal(t, int64(1), m.Errors(CategoryCache))
		assert.Equal(t, int64(2), m.DroppedCount("persist"))
	}
}
