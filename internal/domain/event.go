package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind discriminates the MarketEvent variants.
type EventKind string

const (
	KindTick        EventKind = "tick"
	KindDepth       EventKind = "depth"
	KindOrderStatus EventKind = "order"
	KindHeartbeat   EventKind = "heartbeat"
)

// Kinds lists the persisted event kinds in a stable order.
var Kinds = []EventKind{KindTick, KindDepth, KindOrderStatus}

// ParseEventKind accepts the kind name or its wire channel letter.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tick", "ticks", "t":
		return KindTick, nil
	case "depth", "d", "orderbook":
		return KindDepth, nil
	case "order", "orders", "o", "order_status":
		return KindOrderStatus, nil
	case "heartbeat", "h":
		return KindHeartbeat, nil
	}
	return "", fmt.Errorf("domain: unknown event kind %q", s)
}

// Channel returns the upstream channel that carries this kind.
func (k EventKind) Channel() Channel {
	switch k {
	case KindTick:
		return ChannelTick
	case KindDepth:
		return ChannelDepth
	case KindOrderStatus:
		return ChannelOrderStatus
	default:
		return ChannelHeartbeat
	}
}

// MarketEvent is implemented by Tick, DepthSnapshot, OrderStatus and Heartbeat.
// Variants are plain values; callers receive copies and never share mutable state.
type MarketEvent interface {
	Kind() EventKind
	EventSymbol() string
	EventTime() time.Time
}

// UnmarshalEvent decodes the JSON form of an event of the given kind.
func UnmarshalEvent(kind EventKind, data []byte) (MarketEvent, error) {
	switch kind {
	case KindTick:
		var t Tick
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("domain: decode tick: %w", err)
		}
		return t, nil
	case KindDepth:
		var d DepthSnapshot
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("domain: decode depth: %w", err)
		}
		return d, nil
	case KindOrderStatus:
		var o OrderStatus
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("domain: decode order status: %w", err)
		}
		return o, nil
	case KindHeartbeat:
		var h Heartbeat
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("domain: decode heartbeat: %w", err)
		}
		return h, nil
	}
	return nil, fmt.Errorf("domain: decode %q: %w", kind, ErrUnknownType)
}

// Heartbeat is the upstream keep-alive frame.
type Heartbeat struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// NewHeartbeat returns a heartbeat, defaulting the status to "alive".
func NewHeartbeat(status string, at time.Time) Heartbeat {
	if status == "" {
		status = "alive"
	}
	return Heartbeat{Status: status, Time: at}
}

func (Heartbeat) Kind() EventKind        { return KindHeartbeat }
func (Heartbeat) EventSymbol() string    { return "" }
func (h Heartbeat) EventTime() time.Time { return h.Time }

// Frame is one raw inbound message with its receipt time.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}
