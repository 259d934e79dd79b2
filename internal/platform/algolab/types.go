package algolab

import (
	"context"
	"time"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

// Config holds the connection parameters for one upstream session.
type Config struct {
	// URL is the websocket endpoint, e.g. "wss://www.algolab.com.tr/api/ws".
	URL string
	// Hostname is the configured origin hashed into the Checker header,
	// e.g. "https://www.algolab.com.tr".
	Hostname          string
	APIKey            string
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	Backoff           Backoff
	FrameBuffer       int
}

// TokenSource supplies a fresh session token after a rejected handshake.
type TokenSource func(ctx context.Context) (string, error)

// Status is a read-only view of the connection.
type Status struct {
	State         string                `json:"state"`
	Attempts      int                   `json:"reconnect_attempts"`
	LastError     string                `json:"last_error,omitempty"`
	ConnectedAt   time.Time             `json:"connected_at,omitempty"`
	Subscriptions []domain.Subscription `json:"subscriptions"`
}

const (
	// wsPath is the path component hashed into the Checker header.
	wsPath = "/ws"

	writeWait    = 10 * time.Second
	maxFrameSize = 4 << 20

	headerAPIKey        = "APIKEY"
	headerAuthorization = "Authorization"
	headerChecker       = "Checker"
)

func subscribeMessage(ch domain.Channel, symbols []string) map[string]any {
	return map[string]any{
		"Type":    string(ch),
		"Symbols": symbols,
	}
}

func unsubscribeMessage(ch domain.Channel, symbols []string) map[string]any {
	return map[string]any{
		"Type":        string(ch),
		"Symbols":     symbols,
		"Unsubscribe": true,
	}
}

func heartbeatMessage() map[string]any {
	return map[string]any{"Type": string(domain.ChannelHeartbeat)}
}
