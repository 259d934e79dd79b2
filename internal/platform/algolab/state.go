package algolab

import "sync/atomic"

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateClosed is terminal and only reached through Close.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// fsm holds the state. Every transition except Close is a compare-and-swap so
// two callbacks can never both win the same transition.
type fsm struct {
	v atomic.Int32
}

func (f *fsm) load() State { return State(f.v.Load()) }

func (f *fsm) cas(from, to State) bool {
	return f.v.CompareAndSwap(int32(from), int32(to))
}

// close moves to StateClosed and reports the previous state.
func (f *fsm) close() State {
	return State(f.v.Swap(int32(StateClosed)))
}

// set stores to unless the machine is already closed.
func (f *fsm) set(to State) bool {
	for {
		cur := f.v.Load()
		if State(cur) == StateClosed {
			return false
		}
		if f.v.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}
