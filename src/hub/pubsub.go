package hub

import (
	"github.com/orchestra-mcp/realtime/src/types"
)

// Frame events handled by the hub itself.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
)

func (h *Hub) handleMessage(msg types.Message) {
	switch msg.Event {
	case EventSubscribe:
		if h.Subscribe(msg.Channel, msg.ClientID) {
			h.sendLast(msg.Channel, msg.ClientID)
		}
		return
	case EventUnsubscribe:
		h.Unsubscribe(msg.Channel, msg.ClientID)
		return
	}

	h.mu.RLock()
	handler, ok := h.handlers[msg.Channel]
	h.mu.RUnlock()

	if !ok {
		h.logger.Debug().Str("channel", msg.Channel).Str("event", msg.Event).Msg("no handler")
		return
	}
	if err := handler(msg.ClientID, msg); err != nil {
		h.logger.Error().Err(err).Str("channel", msg.Channel).Msg("handler error")
		h.SendToClient(msg.ClientID, types.Message{
			Channel: msg.Channel,
			Event:   "error",
			Data:    map[string]any{"message": err.Error()},
		})
	}
}

// sendLast replays the latest status to a fresh status subscriber.
func (h *Hub) sendLast(channel, clientID string) {
	if channel != ChannelStatus {
		return
	}
	h.mu.RLock()
	last := h.lastStatus
	h.mu.RUnlock()
	if last != nil {
		h.SendToClient(clientID, *last)
	}
}

func (h *Hub) broadcastToChannel(channel string, msg types.Message) {
	h.mu.RLock()
	subs, ok := h.channels[channel]
	if !ok {
		h.mu.RUnlock()
		return
	}
	clients := make([]*Client, 0, len(subs))
	for id := range subs {
		if c, exists := h.clients[id]; exists {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(msg) {
			h.logger.Warn().Str("client_id", c.ID).Msg("send buffer full, dropping")
		}
	}
}

func (h *Hub) relayStatus(msg types.Message) {
	h.mu.RLock()
	r := h.relay
	h.mu.RUnlock()

	if r == nil || !r.Available() {
		return
	}
	if err := r.Publish(msg); err != nil {
		h.logger.Error().Err(err).Msg("status relay publish failed")
	}
}

// Publish sends a message to all subscribers of a channel.
func (h *Hub) Publish(channel string, msg types.Message) {
	msg.Channel = channel
	select {
	case h.broadcast <- broadcastMsg{channel: channel, msg: msg}:
	case <-h.done:
	}
}

// PublishStatus converts a status event into a frame on the status channel.
// It is shaped to be registered directly as a status bus handler.
func (h *Hub) PublishStatus(ev types.StatusEvent) {
	msg := StatusMessage(ev)
	h.mu.Lock()
	h.lastStatus = &msg
	h.mu.Unlock()
	h.Publish(ChannelStatus, msg)
}

// StatusMessage renders ev as a UI frame.
func StatusMessage(ev types.StatusEvent) types.Message {
	data := map[string]any{"status": string(ev.Type)}
	if ev.Attempt > 0 {
		data["attempt"] = ev.Attempt
	}
	return types.Message{
		Channel:   ChannelStatus,
		Event:     string(ev.Type),
		Data:      data,
		Timestamp: ev.Timestamp,
	}
}

// Subscribe adds a client to a channel.
func (h *Hub) Subscribe(channel, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[clientID]
	if !ok {
		return false
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][clientID] = true
	c.addChannel(channel)
	return true
}

// Unsubscribe removes a client from a channel.
func (h *Hub) Unsubscribe(channel, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.channels[channel]
	if !ok {
		return false
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
	if c, ok := h.clients[clientID]; ok {
		c.removeChannel(channel)
	}
	return true
}

// SendToClient sends a message directly to a specific client.
func (h *Hub) SendToClient(clientID string, msg types.Message) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return client.enqueue(msg)
}
