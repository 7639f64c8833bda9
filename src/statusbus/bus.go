// Package statusbus broadcasts connection status transitions to any number
// of consumers without the publisher knowing about them.
package statusbus

import (
	"sync"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Handler is invoked for every published status event.
type Handler func(types.StatusEvent)

// Bus is a concurrent-safe, in-memory status broadcaster.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	streams  map[int]chan types.StatusEvent
	nextID   int
	closed   bool
	last     *types.StatusEvent
	logger   zerolog.Logger
}

// New creates a ready-to-use Bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		streams:  make(map[int]chan types.StatusEvent),
		logger:   logger.With().Str("component", "status-bus").Logger(),
	}
}

// Subscribe registers a handler and returns a func that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Channel returns a buffered stream of status events and a cancel func.
// Events are dropped for a stream whose buffer is full.
func (b *Bus) Channel(buffer int) (<-chan types.StatusEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan types.StatusEvent, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.streams[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if s, ok := b.streams[id]; ok {
				delete(b.streams, id)
				close(s)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to all handlers, in subscription-independent order,
// and to every stream. A panicking handler does not stop delivery.
func (b *Bus) Publish(ev types.StatusEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	last := ev
	b.last = &last
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	for id, s := range b.streams {
		select {
		case s <- ev:
		default:
			b.logger.Warn().Int("stream", id).Str("status", string(ev.Type)).Msg("status stream full, dropping")
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev types.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("status", string(ev.Type)).Msg("status handler panicked")
		}
	}()
	h(ev)
}

// Last returns the most recently published event, if any.
func (b *Bus) Last() (types.StatusEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.last == nil {
		return types.StatusEvent{}, false
	}
	return *b.last, true
}

// SubscriberCount returns the number of handlers and streams.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers) + len(b.streams)
}

// Close drops all subscribers and closes every stream.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.streams {
		close(s)
		delete(b.streams, id)
	}
	b.handlers = make(map[int]Handler)
}
