package providers

import (
	"encoding/json"
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/src/hub"
	"github.com/valyala/fasthttp"
)

type signalRequest struct {
	Signal string `json:"signal"`
}

// RegisterRoutes registers the status, control and metrics routes. The
// websocket upgrade uses FastHTTPHandler, registered at the server level
// since Fiber v3 does not expose *fasthttp.RequestCtx.
func (p *RealtimePlugin) RegisterRoutes(group fiber.Router) {
	group.Get("/realtime/status", p.handleStatus)
	group.Get("/realtime/subscriptions", p.handleSubscriptions)
	group.Post("/realtime/reconnect", p.handleReconnect)
	group.Post("/realtime/signals", p.handleSignal)
	group.Get("/ws/info", p.handleInfo)
	group.Get("/metrics", adaptor.HTTPHandler(p.metrics.Handler()))
}

func (p *RealtimePlugin) handleStatus(c fiber.Ctx) error {
	if p.manager == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "not_active"})
	}
	resp := fiber.Map{
		"connection": p.manager.Snapshot(),
		"channels":   p.manager.Channels(),
	}
	if ev, ok := p.manager.LastStatus(); ok {
		resp["last_status"] = ev
	}
	return c.JSON(resp)
}

func (p *RealtimePlugin) handleSubscriptions(c fiber.Ctx) error {
	if p.service == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "not_active"})
	}
	subs := p.service.Subscriptions(c.Query("owner"))
	return c.JSON(fiber.Map{"subscriptions": subs, "count": len(subs)})
}

func (p *RealtimePlugin) handleReconnect(c fiber.Ctx) error {
	if p.manager == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "not_active"})
	}
	started := p.manager.ReconnectNow()
	status := fiber.StatusAccepted
	if !started {
		status = fiber.StatusConflict
	}
	return c.Status(status).JSON(fiber.Map{"started": started})
}

func (p *RealtimePlugin) handleSignal(c fiber.Ctx) error {
	if p.manager == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "not_active"})
	}
	var req signalRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": err.Error()})
	}
	if err := hub.ApplySignal(p.manager, req.Signal); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signal", "message": err.Error()})
	}
	return c.JSON(fiber.Map{"applied": req.Signal})
}

func (p *RealtimePlugin) handleInfo(c fiber.Ctx) error {
	resp := fiber.Map{
		"websocket":          true,
		"endpoint":           "/ws",
		"clients":            p.hub.ClientCount(),
		"status_subscribers": p.hub.StatusSubscribers(),
		"channels":           len(p.hub.Channels()),
		"relay":              p.bridge != nil && p.bridge.Available(),
	}
	if last, ok := p.hub.LastStatus(); ok {
		resp["last_status"] = last.Event
	}
	return c.JSON(resp)
}

// FastHTTPHandler returns a raw fasthttp handler for UI websocket upgrades.
// Register this on the fasthttp server at the "/ws" path.
func (p *RealtimePlugin) FastHTTPHandler() fasthttp.RequestHandler {
	upgrader := p.upgrader()
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		clientID := uuid.New().String()
		h := p.hub

		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			client := hub.NewClient(clientID, &fasthttpConn{conn}, h)
			h.Register(client)
			go client.WritePump()
			client.ReadPump()
		})
		if err != nil {
			p.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// upgrader sizes the websocket buffers from the server config.
func (p *RealtimePlugin) upgrader() *websocket.FastHTTPUpgrader {
	return &websocket.FastHTTPUpgrader{
		ReadBufferSize:  p.cfg.Server.ReadBufferSize,
		WriteBufferSize: p.cfg.Server.WriteBufferSize,
	}
}

// fasthttpConn wraps fasthttp/websocket.Conn to satisfy types.Conn.
type fasthttpConn struct {
	conn *websocket.Conn
}

func (f *fasthttpConn) WriteJSON(v any) error { return f.conn.WriteJSON(v) }
func (f *fasthttpConn) ReadJSON(v any) error  { return f.conn.ReadJSON(v) }
func (f *fasthttpConn) Close() error          { return f.conn.Close() }
