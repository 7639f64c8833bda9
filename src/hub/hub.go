// Package hub is the websocket gateway for UI clients. Clients subscribe to
// the status channel and send connectivity signals and control commands.
package hub

import (
	"slices"
	"sync"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Channel names understood by the gateway.
const (
	ChannelStatus       = "status"
	ChannelStatusRemote = "status:remote"
	ChannelSignals      = "signals"
	ChannelControl      = "control"
)

// StatusRelay forwards locally published status to other instances.
// Defined here to avoid circular imports with the bridge package.
type StatusRelay interface {
	Publish(msg types.Message) error
	Available() bool
}

// Hub manages UI client connections and their channel subscriptions.
type Hub struct {
	clients  map[string]*Client
	channels map[string]map[string]bool // channel -> set of clientIDs

	register   chan *Client
	unregister chan *Client
	incoming   chan types.Message
	broadcast  chan broadcastMsg
	localCast  chan broadcastMsg // from the relay, never re-published

	handlers  map[string]types.MessageHandler
	onConnect []func(string)
	onDisconn []func(string)

	relay      StatusRelay
	lastStatus *types.Message
	mu         sync.RWMutex
	logger     zerolog.Logger
	done       chan struct{}
	stopOnce   sync.Once
}

type broadcastMsg struct {
	channel string
	msg     types.Message
}

// New creates a hub. Call Run to start its loop.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		channels:   make(map[string]map[string]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan types.Message, 256),
		broadcast:  make(chan broadcastMsg, 256),
		localCast:  make(chan broadcastMsg, 256),
		handlers:   make(map[string]types.MessageHandler),
		logger:     logger.With().Str("component", "ui-hub").Logger(),
		done:       make(chan struct{}),
	}
}

// SetRelay attaches a cross-instance status relay. Status published on this
// hub is then also forwarded to the relay.
func (h *Hub) SetRelay(r StatusRelay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = r
}

// BroadcastToLocal delivers a relayed message to local subscribers only.
func (h *Hub) BroadcastToLocal(msg types.Message) {
	select {
	case h.localCast <- broadcastMsg{channel: msg.Channel, msg: msg}:
	case <-h.done:
	}
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case msg := <-h.incoming:
			h.handleMessage(msg)
		case bm := <-h.broadcast:
			if bm.channel == ChannelStatus {
				h.relayStatus(bm.msg)
			}
			h.broadcastToChannel(bm.channel, bm.msg)
		case bm := <-h.localCast:
			h.broadcastToChannel(bm.channel, bm.msg)
		case <-h.done:
			return
		}
	}
}

// Stop halts the event loop and closes every client. Safe to call twice.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		clients := make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		h.clients = make(map[string]*Client)
		h.channels = make(map[string]map[string]bool)
		h.mu.Unlock()
		for _, c := range clients {
			c.Close()
		}
	})
}

// Register queues a client for registration.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	onConnect := slices.Clone(h.onConnect)
	h.mu.Unlock()

	h.logger.Info().Str("client_id", c.ID).Msg("ui client registered")

	for _, cb := range onConnect {
		cb(c.ID)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)

	for ch, subs := range h.channels {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.channels, ch)
		}
	}
	onDisconn := slices.Clone(h.onDisconn)
	h.mu.Unlock()

	c.Close()
	h.logger.Info().Str("client_id", c.ID).Msg("ui client unregistered")

	for _, cb := range onDisconn {
		cb(c.ID)
	}
}
