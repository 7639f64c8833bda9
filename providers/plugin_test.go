package providers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func testConfig() *config.RealtimeConfig {
	cfg := config.DefaultConfig()
	cfg.Transport.Kind = "memory"
	cfg.Backoff = config.BackoffConfig{BaseMs: 1, MaxMs: 2, Factor: 2, MaxAttempts: 1}
	cfg.Reconnect = config.ReconnectConfig{SettleMs: 1, ConfirmMs: 1}
	cfg.Network.OnlineDebounceMs = 1
	return cfg
}

func activePlugin(t *testing.T) (*RealtimePlugin, *fiber.App) {
	t.Helper()
	p := NewRealtimePlugin(testConfig(), nil, zerolog.Nop())
	require.NoError(t, p.Activate(t.Context()))
	t.Cleanup(func() { _ = p.Deactivate() })

	app := fiber.New()
	p.RegisterRoutes(app)
	return p, app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestActivateAndDeactivate(t *testing.T) {
	p := NewRealtimePlugin(testConfig(), nil, zerolog.Nop())
	assert.False(t, p.IsActive())

	require.NoError(t, p.Activate(t.Context()))
	assert.True(t, p.IsActive())
	assert.NotNil(t, p.Manager())
	assert.NotNil(t, p.Service())
	assert.Nil(t, p.Sessions())

	require.NoError(t, p.Deactivate())
	assert.False(t, p.IsActive())
	require.NoError(t, p.Deactivate())
}

func TestActivateRejectsBadTransport(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.Kind = "carrier-pigeon"
	assert.Error(t, NewRealtimePlugin(cfg, nil, zerolog.Nop()).Activate(t.Context()))

	cfg = testConfig()
	cfg.Transport.Kind = "phoenix"
	cfg.Transport.URL = ""
	assert.Error(t, NewRealtimePlugin(cfg, nil, zerolog.Nop()).Activate(t.Context()))
}

func TestActivateWithUnreachableRedisRunsStandalone(t *testing.T) {
	redisCfg := &bridge.RedisConfig{Addr: "127.0.0.1:1", Prefix: "test:", Enabled: true}
	p := NewRealtimePlugin(testConfig(), redisCfg, zerolog.Nop())
	require.NoError(t, p.Activate(t.Context()))
	defer p.Deactivate()

	assert.Nil(t, p.bridge)
	assert.True(t, p.IsActive())
}

func TestStatusRoute(t *testing.T) {
	p, app := activePlugin(t)
	p.Manager().Subscribe("todos", func(types.Handle) error { return nil })

	code, body := doJSON(t, app, http.MethodGet, "/realtime/status", "")
	require.Equal(t, http.StatusOK, code)
	conn := body["connection"].(map[string]any)
	assert.Equal(t, true, conn["is_online"])
	assert.Equal(t, float64(1), conn["channels"])
	assert.Equal(t, []any{"todos"}, body["channels"])
}

func TestSignalRoute(t *testing.T) {
	_, app := activePlugin(t)

	code, body := doJSON(t, app, http.MethodPost, "/realtime/signals", `{"signal":"offline"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "offline", body["applied"])

	_, status := doJSON(t, app, http.MethodGet, "/realtime/status", "")
	assert.Equal(t, false, status["connection"].(map[string]any)["is_online"])
	assert.Equal(t, "offline", status["last_status"].(map[string]any)["type"])

	code, body = doJSON(t, app, http.MethodPost, "/realtime/signals", `{"signal":"sleepy"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_signal", body["error"])

	code, _ = doJSON(t, app, http.MethodPost, "/realtime/signals", `{nope`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestReconnectRoute(t *testing.T) {
	_, app := activePlugin(t)

	code, body := doJSON(t, app, http.MethodPost, "/realtime/reconnect", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["started"])
}

func TestReconnectRouteRefusedWhileOffline(t *testing.T) {
	_, app := activePlugin(t)
	doJSON(t, app, http.MethodPost, "/realtime/signals", `{"signal":"offline"}`)

	code, body := doJSON(t, app, http.MethodPost, "/realtime/reconnect", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["started"])
}

func TestSubscriptionsRoute(t *testing.T) {
	p, app := activePlugin(t)
	_, err := p.Service().Subscribe("u1", "todos", types.Filter{}, func(types.Change) {})
	require.NoError(t, err)
	_, err = p.Service().Subscribe("u2", "todos", types.Filter{}, func(types.Change) {})
	require.NoError(t, err)

	_, body := doJSON(t, app, http.MethodGet, "/realtime/subscriptions?owner=u1", "")
	assert.Equal(t, float64(1), body["count"])
	_, body = doJSON(t, app, http.MethodGet, "/realtime/subscriptions", "")
	assert.Equal(t, float64(2), body["count"])
}

func TestMetricsRoute(t *testing.T) {
	_, app := activePlugin(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "realtime_reconnect_attempts_total")
}

func TestInfoRoute(t *testing.T) {
	_, app := activePlugin(t)

	code, body := doJSON(t, app, http.MethodGet, "/ws/info", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "/ws", body["endpoint"])
	assert.Equal(t, float64(0), body["clients"])
	assert.Equal(t, false, body["relay"])
	assert.Equal(t, float64(0), body["status_subscribers"])
}

func TestUpgraderUsesServerBuffers(t *testing.T) {
	cfg := testConfig()
	cfg.Server.ReadBufferSize = 4096
	cfg.Server.WriteBufferSize = 2048

	up := NewRealtimePlugin(cfg, nil, zerolog.Nop()).upgrader()
	assert.Equal(t, 4096, up.ReadBufferSize)
	assert.Equal(t, 2048, up.WriteBufferSize)
}

func TestWebsocketHandlerRequiresUpgrade(t *testing.T) {
	p := NewRealtimePlugin(testConfig(), nil, zerolog.Nop())

	var ctx fasthttp.RequestCtx
	p.FastHTTPHandler()(&ctx)
	assert.Equal(t, fasthttp.StatusUpgradeRequired, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "upgrade_required")
}
