package types

import "errors"

var (
	ErrNotConnected        = errors.New("realtime: not connected")
	ErrChannelClosed       = errors.New("realtime: channel closed")
	ErrNoSession           = errors.New("realtime: no session")
	ErrInvalidSubscription = errors.New("realtime: invalid subscription")
)
