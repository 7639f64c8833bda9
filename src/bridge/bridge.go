package bridge

import "github.com/orchestra-mcp/realtime/src/types"

// Relay shares connection status frames between server instances.
type Relay interface {
	// Publish sends a status frame to all other instances.
	Publish(msg types.Message) error

	// Start begins listening for frames from other instances.
	Start() error

	// Stop shuts down the relay connection.
	Stop() error

	// Available reports whether the relay is connected and operational.
	Available() bool
}

// BroadcastTarget receives frames relayed from other instances.
type BroadcastTarget interface {
	BroadcastToLocal(msg types.Message)
}
