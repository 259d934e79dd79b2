package domain

import "strings"

// Channel is the upstream subscription type letter.
type Channel string

const (
	ChannelTick        Channel = "T"
	ChannelDepth       Channel = "D"
	ChannelOrderStatus Channel = "O"
	ChannelHeartbeat   Channel = "H"
)

// AllSymbols subscribes a channel to every symbol the venue publishes.
const AllSymbols = "ALL"

// ParseChannel accepts a channel letter or kind name.
func ParseChannel(s string) (Channel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "T", "TICK":
		return ChannelTick, true
	case "D", "DEPTH":
		return ChannelDepth, true
	case "O", "ORDER":
		return ChannelOrderStatus, true
	}
	return "", false
}

// Subscription is a (channel, symbol) pair a consumer has registered.
type Subscription struct {
	Channel Channel `json:"channel"`
	Symbol  string  `json:"symbol"`
}
