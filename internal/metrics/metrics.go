// Package metrics exposes pipeline counters through Prometheus. Components
// depend on the Recorder interface so tests can assert on failure handling
// without parsing logs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Category classifies contained failures.
type Category string

const (
	CategoryTransport Category = "transport"
	CategoryAuth      Category = "auth"
	CategoryDecode    Category = "decode"
	CategoryCache     Category = "cache"
	CategoryBroadcast Category = "broadcast"
	CategoryStorage   Category = "storage"
	CategoryHeartbeat Category = "heartbeat"
)

// Recorder receives pipeline observations.
type Recorder interface {
	Error(category Category)
	Frame(kind string)
	Dropped(stage string)
	Reconnect(outcome string)
	ConnectionState(state string)
	RowsWritten(table string, n int64)
	FlushDuration(table string, d time.Duration)
}

const namespace = "algofeed"

var connectionStates = []string{"disconnected", "connecting", "connected", "reconnecting", "closed"}

// Prom is the Prometheus-backed Recorder.
type Prom struct {
	errors     *prometheus.CounterVec
	frames     *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	state      *prometheus.GaugeVec
	rows       *prometheus.CounterVec
	flush      *prometheus.HistogramVec
}

var _ Recorder = (*Prom)(nil)

// NewProm registers the pipeline collectors on reg.
func NewProm(reg prometheus.Registerer) *Prom {
	f := promauto.With(reg)
	return &Prom{
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "errors_total",
			Help:      "Contained failures by category.",
		}, []string{"category"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "frames_total",
			Help:      "Decoded inbound frames by kind.",
		}, []string{"kind"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "dropped_total",
			Help:      "Frames or events dropped because a bounded queue was full.",
		}, []string{"stage"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by outcome.",
		}, []string{"outcome"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "rows_written_total",
			Help:      "Rows accepted by bulk writes.",
		}, []string{"table"}),
		flush: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "flush_seconds",
			Help:      "Bulk write latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),
	}
}

func (p *Prom) Error(category Category) { p.errors.WithLabelValues(string(category)).Inc() }
func (p *Prom) Frame(kind string)       { p.frames.WithLabelValues(kind).Inc() }
func (p *Prom) Dropped(stage string)    { p.dropped.WithLabelValues(stage).Inc() }
func (p *Prom) Reconnect(outcome string) {
	p.reconnects.WithLabelValues(outcome).Inc()
}

func (p *Prom) ConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.state.WithLabelValues(s).Set(v)
	}
}

func (p *Prom) RowsWritten(table string, n int64) {
	p.rows.WithLabelValues(table).Add(float64(n))
}

func (p *Prom) FlushDuration(table string, d time.Duration) {
	p.flush.WithLabelValues(table).Observe(d.Seconds())
}

// Nop discards every observation.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) Error(Category)                      {}
func (Nop) Frame(string)                        {}
func (Nop) Dropped(string)                      {}
func (Nop) Reconnect(string)                    {}
func (Nop) ConnectionState(string)              {}
func (Nop) RowsWritten(string, int64)           {}
func (Nop) FlushDuration(string, time.Duration) {}
