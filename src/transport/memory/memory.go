// Package memory is an in-process transport. It keeps the resilience layer
// runnable without a backend and lets tests inject channel failures.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/orchestra-mcp/realtime/src/types"
)

// ErrUnavailable is returned while the transport is marked down.
var ErrUnavailable = errors.New("memory transport unavailable")

// Transport implements types.Transport in memory.
type Transport struct {
	mu       sync.Mutex
	down     bool
	failNext map[string]error
	silent   map[string]bool
	created  map[string]int
	live     map[string]map[*channel]bool
	nextID   int
}

// New creates an available transport.
func New() *Transport {
	return &Transport{
		failNext: make(map[string]error),
		silent:   make(map[string]bool),
		created:  make(map[string]int),
		live:     make(map[string]map[*channel]bool),
	}
}

// SetDown makes every CreateChannel and Subscribe call fail until cleared.
func (t *Transport) SetDown(down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down = down
}

// FailNext makes the next CreateChannel for name return err.
func (t *Transport) FailNext(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext[name] = err
}

// Silence suppresses the Subscribed callback for name, as a backend that
// accepts the join but never confirms it.
func (t *Transport) Silence(name string, silent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.silent[name] = silent
}

// Created returns how many handles were created for name.
func (t *Transport) Created(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created[name]
}

// Live returns the number of subscribed, not yet released channels for name.
func (t *Transport) Live(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live[name])
}

// TotalLive returns the number of live channels across all names.
func (t *Transport) TotalLive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, set := range t.live {
		n += len(set)
	}
	return n
}

// Emit reports status on every live channel named name. Failure statuses
// release the channels, as a backend dropping them would.
func (t *Transport) Emit(name string, status types.ChannelStatus, err error) {
	t.mu.Lock()
	var targets []*channel
	for ch := range t.live[name] {
		targets = append(targets, ch)
		if status != types.ChannelSubscribed {
			delete(t.live[name], ch)
		}
	}
	t.mu.Unlock()

	for _, ch := range targets {
		ch.report(status, err)
	}
}

// Deliver sends a change to the bindings of every live channel named name.
func (t *Transport) Deliver(name string, change types.Change) int {
	t.mu.Lock()
	var targets []*channel
	for ch := range t.live[name] {
		targets = append(targets, ch)
	}
	t.mu.Unlock()

	n := 0
	for _, ch := range targets {
		n += ch.deliver(change)
	}
	return n
}

// CreateChannel implements types.Transport.
func (t *Transport) CreateChannel(name string, _ types.ChannelConfig) (types.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.down {
		return nil, ErrUnavailable
	}
	if err, ok := t.failNext[name]; ok {
		delete(t.failNext, name)
		return nil, err
	}
	t.created[name]++
	t.nextID++
	return &channel{transport: t, name: name, id: t.nextID}, nil
}

type binding struct {
	event   string
	filter  types.Filter
	handler types.ChangeHandler
}

type channel struct {
	transport *Transport
	name      string
	id        int

	mu       sync.Mutex
	bindings []binding
	cb       types.StatusCallback
	closed   bool
}

func (c *channel) Name() string { return c.name }

func (c *channel) On(event string, filter types.Filter, h types.ChangeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, binding{event: event, filter: filter, handler: h})
}

func (c *channel) Subscribe(cb types.StatusCallback) (types.Instance, error) {
	t := c.transport
	t.mu.Lock()
	if t.down {
		t.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", c.name, ErrUnavailable)
	}
	if t.live[c.name] == nil {
		t.live[c.name] = make(map[*channel]bool)
	}
	t.live[c.name][c] = true
	silent := t.silent[c.name]
	t.mu.Unlock()

	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()

	if !silent {
		c.report(types.ChannelSubscribed, nil)
	}
	return c, nil
}

func (c *channel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	t := c.transport
	t.mu.Lock()
	delete(t.live[c.name], c)
	t.mu.Unlock()

	c.report(types.ChannelClosed, nil)
	return nil
}

func (c *channel) report(status types.ChannelStatus, err error) {
	c.mu.Lock()
	cb := c.cb
	if status.IsFailure() {
		c.closed = true
	}
	c.mu.Unlock()
	if cb != nil {
		cb(status, err)
	}
}

func (c *channel) deliver(change types.Change) int {
	c.mu.Lock()
	bindings := append([]binding(nil), c.bindings...)
	c.mu.Unlock()

	n := 0
	for _, b := range bindings {
		if !matches(b, change) {
			continue
		}
		b.handler(change)
		n++
	}
	return n
}

func matches(b binding, change types.Change) bool {
	if b.filter.Event != "" && b.filter.Event != "*" && b.filter.Event != change.Event {
		return false
	}
	if b.filter.Schema != "" && b.filter.Schema != change.Schema {
		return false
	}
	if b.filter.Table != "" && b.filter.Table != change.Table {
		return false
	}
	return true
}
