package types

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the coarse connection state broadcast to UI consumers.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusOffline      Status = "offline"
)

// StatusEvent is published on every connection status transition.
type StatusEvent struct {
	Type      Status    `json:"type"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChannelStatus is the outcome reported by the transport for one channel.
type ChannelStatus int

const (
	ChannelSubscribed ChannelStatus = iota
	ChannelError
	ChannelTimeout
	ChannelClosed
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelSubscribed:
		return "subscribed"
	case ChannelError:
		return "error"
	case ChannelTimeout:
		return "timeout"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IsFailure reports whether the status should start a reconnection.
// A normal closure is not a failure.
func (s ChannelStatus) IsFailure() bool {
	return s == ChannelError || s == ChannelTimeout
}

// StatusCallback receives channel status updates from the transport.
type StatusCallback func(status ChannelStatus, err error)

// Filter selects the backend change events a channel binding listens to.
type Filter struct {
	Event  string `json:"event"`            // INSERT, UPDATE, DELETE or *
	Schema string `json:"schema"`           // defaults to public
	Table  string `json:"table,omitempty"`  // empty means every table in schema
	Where  string `json:"filter,omitempty"` // e.g. "owner_id=eq.42"
}

// Change is a single backend change event delivered to a channel binding.
type Change struct {
	Event           string          `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// ChangeHandler handles change events for a binding.
type ChangeHandler func(change Change)

// ChannelConfig carries per-channel transport options.
type ChannelConfig struct {
	Private bool `json:"private,omitempty"`
}

// Handle is a configured channel that has not been subscribed yet.
type Handle interface {
	Name() string
	On(event string, filter Filter, handler ChangeHandler)
	Subscribe(cb StatusCallback) (Instance, error)
}

// Instance is a live, attached channel.
type Instance interface {
	Unsubscribe() error
}

// Transport creates channel handles on the underlying pub/sub client.
type Transport interface {
	CreateChannel(name string, cfg ChannelConfig) (Handle, error)
}

// Session is an authenticated backend session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id,omitempty"`
}

// SessionStore exposes the authentication session.
type SessionStore interface {
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
}

// Prober performs a cheap liveness check against the backend.
type Prober interface {
	Probe(ctx context.Context) error
}

// Message is a frame exchanged with UI websocket clients.
type Message struct {
	Channel   string         `json:"channel"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// MessageHandler handles incoming UI messages on a channel.
type MessageHandler func(clientID string, msg Message) error

// ClientInfo holds metadata about a connected UI client.
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	Channels    []string  `json:"channels"`
}

// Conn abstracts a websocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}
