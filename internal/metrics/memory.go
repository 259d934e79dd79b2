package metrics

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of a Memory recorder.
type Snapshot struct {
	Errors     map[Category]int64 `json:"errors"`
	Frames     map[string]int64   `json:"frames"`
	Dropped    map[string]int64   `json:"dropped"`
	Reconnects map[string]int64   `json:"reconnects"`
	Rows       map[string]int64   `json:"rows_written"`
	State      string             `json:"connection_state"`
}

// Memory keeps counts in process. The status endpoint reads it and tests
// assert on it directly.
type Memory struct {
	mu   sync.Mutex
	snap Snapshot
}

var _ Recorder = (*Memory)(nil)

// NewMemory returns an empty Memory recorder.
func NewMemory() *Memory {
	return &Memory{snap: Snapshot{
		Errors:     make(map[Category]int64),
		Frames:     make(map[string]int64),
		Dropped:    make(map[string]int64),
		Reconnects: make(map[string]int64),
		Rows:       make(map[string]int64),
	}}
}

func (m *Memory) Error(category Category) {
	m.mu.Lock()
	m.snap.Errors[category]++
	m.mu.Unlock()
}

func (m *Memory) Frame(kind string) {
	m.mu.Lock()
	m.snap.Frames[kind]++
	m.mu.Unlock()
}

func (m *Memory) Dropped(stage string) {
	m.mu.Lock()
	m.snap.Dropped[stage]++
	m.mu.Unlock()
}

func (m *Memory) Reconnect(outcome string) {
	m.mu.Lock()
	m.snap.Reconnects[outcome]++
	m.mu.Unlock()
}

func (m *Memory) ConnectionState(state string) {
	m.mu.Lock()
	m.snap.State = state
	m.mu.Unlock()
}

func (m *Memory) RowsWritten(table string, n int64) {
	m.mu.Lock()
	m.snap.Rows[table] += n
	m.mu.Unlock()
}

func (m *Memory) FlushDuration(string, time.Duration) {}

// Errors returns the count for one category.
func (m *Memory) Errors(category Category) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Errors[category]
}

// DroppedCount returns the count for one stage.
func (m *Memory) DroppedCount(stage string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Dropped[stage]
}

// Snapshot copies the current counts.
func (m *Memory) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Snapshot{
		Errors:     make(map[Category]int64, len(m.snap.Errors)),
		Frames:     make(map[string]int64, len(m.snap.Frames)),
		Dropped:    make(map[string]int64, len(m.snap.Dropped)),
		Reconnects: make(map[string]int64, len(m.snap.Reconnects)),
		Rows:       make(map[string]int64, len(m.snap.Rows)),
		State:      m.snap.State,
	}
	for k, v := range m.snap.Errors {
		out.Errors[k] = v
	}
	for k, v := range m.snap.Frames {
		out.Frames[k] = v
	}
	for k, v := range m.snap.Dropped {
		out.Dropped[k] = v
	}
	for k, v := range m.snap.Reconnects {
		out.Reconnects[k] = v
	}
	for k, v := range m.snap.Rows {
		out.Rows[k] = v
	}
	return out
}

// Multi fans observations out to several recorders.
type Multi []Recorder

var _ Recorder = Multi(nil)

func (m Multi) Error(c Category) {
	for _, r := range m {
		r.Error(c)
	}
}

func (m Multi) Frame(kind string) {
	for _, r := range m {
		r.Frame(kind)
	}
}

func (m Multi) Dropped(stage string) {
	for _, r := range m {
		r.Dropped(stage)
	}
}

func (m Multi) Reconnect(outcome string) {
	for _, r := range m {
		r.Reconnect(outcome)
	}
}

func (m Multi) ConnectionState(state string) {
	for _, r := range m {
		r.ConnectionState(state)
	}
}

func (m Multi) RowsWritten(table string, n int64) {
	for _, r := range m {
		r.RowsWritten(table, n)
	}
}

func (m Multi) FlushDuration(table string, d time.Duration) {
	for _, r := range m {
		r.FlushDuration(table, d)
	}
}
