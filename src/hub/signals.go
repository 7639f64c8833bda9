package hub

import (
	"fmt"

	"github.com/orchestra-mcp/realtime/src/types"
)

// Controller is the connection manager surface UI clients may drive.
type Controller interface {
	SetOnline(online bool)
	SetVisible(visible bool)
	ReconnectNow() bool
}

// Signal events accepted on the signals channel.
const (
	SignalOnline  = "online"
	SignalOffline = "offline"
	SignalVisible = "visible"
	SignalHidden  = "hidden"
)

// ApplySignal forwards a named connectivity or visibility signal to c.
func ApplySignal(c Controller, signal string) error {
	switch signal {
	case SignalOnline:
		c.SetOnline(true)
	case SignalOffline:
		c.SetOnline(false)
	case SignalVisible:
		c.SetVisible(true)
	case SignalHidden:
		c.SetVisible(false)
	default:
		return fmt.Errorf("unknown signal %q", signal)
	}
	return nil
}

// BindController routes signals and control frames to c.
func (h *Hub) BindController(c Controller) {
	h.RegisterHandler(ChannelSignals, func(clientID string, msg types.Message) error {
		h.logger.Debug().Str("client_id", clientID).Str("signal", msg.Event).Msg("signal received")
		return ApplySignal(c, msg.Event)
	})

	h.RegisterHandler(ChannelControl, func(clientID string, msg types.Message) error {
		if msg.Event != "reconnect" {
			return fmt.Errorf("unknown control %q", msg.Event)
		}
		started := c.ReconnectNow()
		h.SendToClient(clientID, types.Message{
			Channel: ChannelControl,
			Event:   "reconnect",
			Data:    map[string]any{"started": started},
		})
		return nil
	})
}
