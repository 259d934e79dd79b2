package domain

import "errors"

var (
	ErrNotAvailable       = errors.New("not available")
	ErrNotConnected       = errors.New("websocket not connected")
	ErrClosed             = errors.New("connection closed")
	ErrAuthRejected       = errors.New("handshake rejected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrInvalidEvent       = errors.New("invalid market event")
	ErrMissingType        = errors.New("frame missing type")
	ErrUnknownType        = errors.New("unknown frame type")
	ErrLockHeld           = errors.New("lock already held")
)
