package phoenix

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orchestra-mcp/realtime/src/types"
)

type binding struct {
	event   string
	filter  types.Filter
	handler types.ChangeHandler
}

type channelState int

const (
	stateNew channelState = iota
	stateJoining
	stateJoined
	stateClosed
)

// channel is both the types.Handle and, once joined, the types.Instance.
type channel struct {
	client *Client
	name   string
	topic  string
	cfg    types.ChannelConfig

	mu       sync.Mutex
	state    channelState
	joinRef  string
	bindings []binding
	cb       types.StatusCallback
	timer    *time.Timer
}

type joinConfig struct {
	Broadcast       map[string]any   `json:"broadcast"`
	Presence        map[string]any   `json:"presence"`
	PostgresChanges []postgresChange `json:"postgres_changes"`
	Private         bool             `json:"private"`
}

type postgresChange struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table,omitempty"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

func (ch *channel) Name() string { return ch.name }

// On adds a postgres_changes binding. Bindings must be added before
// Subscribe.
func (ch *channel) On(event string, filter types.Filter, h types.ChangeHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.bindings = append(ch.bindings, binding{event: event, filter: filter, handler: h})
}

// Subscribe sends phx_join. The outcome is reported asynchronously through cb.
func (ch *channel) Subscribe(cb types.StatusCallback) (types.Instance, error) {
	ch.mu.Lock()
	if ch.state != stateNew {
		ch.mu.Unlock()
		return nil, fmt.Errorf("channel %s already subscribed", ch.name)
	}
	ch.state = stateJoining
	ch.cb = cb
	ch.joinRef = ch.client.nextRef()
	ref := ch.joinRef
	payload := ch.joinPayloadLocked()
	ch.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		ch.reset()
		return nil, fmt.Errorf("marshal join: %w", err)
	}

	ch.client.register(ch, ref)
	if err := ch.client.send(envelope{Topic: ch.topic, Event: "phx_join", Payload: raw, Ref: &ref, JoinRef: &ref}); err != nil {
		ch.client.unregister(ch, ref)
		ch.reset()
		return nil, fmt.Errorf("join %s: %w", ch.name, err)
	}

	ch.mu.Lock()
	if ch.state == stateJoining {
		ch.timer = time.AfterFunc(ch.client.cfg.JoinTimeout, func() {
			ch.finish(types.ChannelTimeout, ErrJoinTimeout)
		})
	}
	ch.mu.Unlock()
	return ch, nil
}

func (ch *channel) joinPayloadLocked() joinPayload {
	changes := make([]postgresChange, 0, len(ch.bindings))
	for _, b := range ch.bindings {
		ev := b.filter.Event
		if ev == "" {
			ev = "*"
		}
		schema := b.filter.Schema
		if schema == "" {
			schema = "public"
		}
		changes = append(changes, postgresChange{Event: ev, Schema: schema, Table: b.filter.Table, Filter: b.filter.Where})
	}
	return joinPayload{
		Config: joinConfig{
			Broadcast:       map[string]any{"self": false},
			Presence:        map[string]any{"key": ""},
			PostgresChanges: changes,
			Private:         ch.cfg.Private,
		},
		AccessToken: ch.client.accessToken(),
	}
}

func (ch *channel) reset() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.state = stateClosed
	ch.cb = nil
}

// Unsubscribe sends phx_leave and reports a normal closure. A socket that is
// already gone is not an error.
func (ch *channel) Unsubscribe() error {
	ch.mu.Lock()
	if ch.state == stateClosed {
		ch.mu.Unlock()
		return nil
	}
	joinRef := ch.joinRef
	ch.mu.Unlock()

	ref := ch.client.nextRef()
	err := ch.client.send(envelope{Topic: ch.topic, Event: "phx_leave", Payload: json.RawMessage(`{}`), Ref: &ref, JoinRef: &joinRef})
	if errors.Is(err, types.ErrNotConnected) {
		err = nil
	}
	ch.finish(types.ChannelClosed, nil)
	return err
}

func (ch *channel) joined() {
	ch.mu.Lock()
	if ch.state != stateJoining {
		ch.mu.Unlock()
		return
	}
	ch.state = stateJoined
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	cb := ch.cb
	ch.mu.Unlock()

	if cb != nil {
		cb(types.ChannelSubscribed, nil)
	}
}

// finish moves the channel to its terminal state and reports status once.
func (ch *channel) finish(status types.ChannelStatus, err error) {
	ch.mu.Lock()
	if ch.state == stateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = stateClosed
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	cb := ch.cb
	joinRef := ch.joinRef
	ch.mu.Unlock()

	ch.client.unregister(ch, joinRef)
	if cb != nil {
		cb(status, err)
	}
}

func (ch *channel) deliver(change types.Change) {
	ch.mu.Lock()
	if ch.state != stateJoined {
		ch.mu.Unlock()
		return
	}
	bindings := append([]binding(nil), ch.bindings...)
	ch.mu.Unlock()

	for _, b := range bindings {
		if b.filter.Event != "" && b.filter.Event != "*" && b.filter.Event != change.Event {
			continue
		}
		if b.filter.Table != "" && b.filter.Table != change.Table {
			continue
		}
		b.handler(change)
	}
}
