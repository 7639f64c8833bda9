package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/hub"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/probe"
	"github.com/orchestra-mcp/realtime/src/realtime"
	"github.com/orchestra-mcp/realtime/src/service"
	"github.com/orchestra-mcp/realtime/src/session"
	"github.com/orchestra-mcp/realtime/src/transport/memory"
	"github.com/orchestra-mcp/realtime/src/transport/phoenix"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// RealtimePlugin owns the resilience layer and the UI gateway in front of it.
type RealtimePlugin struct {
	cfg      *config.RealtimeConfig
	redisCfg *bridge.RedisConfig
	logger   zerolog.Logger

	active    bool
	transport types.Transport
	closer    func() error
	sessions  *session.Store
	metrics   *metrics.Recorder
	manager   *realtime.Manager
	hub       *hub.Hub
	service   *service.Service
	bridge    bridge.Relay
	unsub     func()
}

// NewRealtimePlugin creates an inactive plugin. A nil cfg uses the defaults
// and a nil redisCfg leaves the status relay off.
func NewRealtimePlugin(cfg *config.RealtimeConfig, redisCfg *bridge.RedisConfig, logger zerolog.Logger) *RealtimePlugin {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &RealtimePlugin{cfg: cfg, redisCfg: redisCfg, logger: logger}
}

// ID returns the plugin identifier.
func (p *RealtimePlugin) ID() string { return "orchestra/realtime" }

// Name returns the display name.
func (p *RealtimePlugin) Name() string { return "Realtime" }

// Version returns the plugin version.
func (p *RealtimePlugin) Version() string { return "0.1.0" }

// IsActive reports whether Activate has completed.
func (p *RealtimePlugin) IsActive() bool { return p.active }

// Manager returns the connection manager, nil until activated.
func (p *RealtimePlugin) Manager() *realtime.Manager { return p.manager }

// Service returns the data service, nil until activated.
func (p *RealtimePlugin) Service() *service.Service { return p.service }

// Hub returns the UI websocket hub.
func (p *RealtimePlugin) Hub() *hub.Hub { return p.hub }

// Sessions returns the session store, nil for the memory transport.
func (p *RealtimePlugin) Sessions() *session.Store { return p.sessions }

// Transport returns the backend transport the manager attaches through.
func (p *RealtimePlugin) Transport() types.Transport { return p.transport }

// Activate builds the stack and starts its loops. The Redis relay is
// optional: when Redis is unreachable the gateway runs standalone.
func (p *RealtimePlugin) Activate(ctx context.Context) error {
	if p.active {
		return nil
	}
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	if err := p.initTransport(); err != nil {
		return err
	}

	p.metrics = metrics.New()
	p.hub = hub.New(p.logger)
	go p.hub.Run()

	p.initBridge()

	opts := realtime.Options{
		Transport: p.transport,
		Prober:    p.prober(),
		Metrics:   p.metrics,
		Logger:    p.logger,
	}
	if p.sessions != nil {
		opts.Sessions = p.sessions
	}
	mgr, err := realtime.New(p.cfg, opts)
	if err != nil {
		p.teardown()
		return fmt.Errorf("build manager: %w", err)
	}
	p.manager = mgr
	p.service = service.New(mgr, p.logger)
	p.hub.BindController(mgr)
	p.unsub = mgr.OnStatus(p.hub.PublishStatus)
	mgr.Start(ctx)

	p.active = true
	p.logger.Info().
		Str("plugin", p.ID()).
		Str("transport", p.cfg.Transport.Kind).
		Bool("relay", p.bridge != nil).
		Msg("realtime plugin activated")
	return nil
}

func (p *RealtimePlugin) initTransport() error {
	switch p.cfg.Transport.Kind {
	case "memory":
		p.transport = memory.New()
		p.closer = nil
	case "phoenix", "":
		if p.cfg.Transport.URL == "" {
			return errors.New("realtime: transport url is required")
		}
		p.sessions = session.NewStore(session.Config{
			URL:    p.cfg.Transport.URL,
			APIKey: p.cfg.Transport.APIKey,
		}, p.logger)
		client := phoenix.New(phoenix.Config{
			URL:               p.cfg.Transport.URL,
			APIKey:            p.cfg.Transport.APIKey,
			JoinTimeout:       config.Ms(p.cfg.Transport.JoinTimeoutMs),
			HeartbeatInterval: config.Ms(p.cfg.Transport.HeartbeatIntervalMs),
			HandshakeTimeout:  config.Ms(p.cfg.Transport.HandshakeTimeoutMs),
		}, p.sessions, p.logger)
		p.transport = client
		p.closer = client.Close
	default:
		return fmt.Errorf("realtime: unknown transport %q", p.cfg.Transport.Kind)
	}
	return nil
}

// initBridge tries to start the Redis status relay.
func (p *RealtimePlugin) initBridge() {
	if p.redisCfg == nil || !p.redisCfg.Enabled {
		return
	}
	rb := bridge.NewRedisBridge(p.redisCfg.NewClient(), p.redisCfg.Prefix, p.hub, p.logger)
	if err := rb.Start(); err != nil {
		p.logger.Warn().Err(err).Msg("redis relay unavailable, running standalone")
		_ = rb.Stop()
		return
	}
	p.bridge = rb
	p.hub.SetRelay(rb)
	p.logger.Info().Str("redis_addr", p.redisCfg.Addr).Msg("redis relay connected")
}

// prober combines the configured liveness checks, or returns nil.
func (p *RealtimePlugin) prober() types.Prober {
	var all probe.All
	if p.sessions != nil && p.cfg.Keepalive.ProbeTable != "" {
		rest := probe.NewHTTP(p.cfg.Transport.URL, p.cfg.Transport.APIKey, p.cfg.Keepalive.ProbeTable, p.sessions)
		all = append(all, probe.NewBreaker("rest", rest, probe.BreakerConfig{
			TripAfter: uint32(p.cfg.Keepalive.ProbeTripAfter),
			Cooldown:  config.Ms(p.cfg.Keepalive.ProbeCooldownMs),
		}, p.logger))
	}
	if rb, ok := p.bridge.(*bridge.RedisBridge); ok && p.cfg.Heartbeat.ProbeRedis {
		all = append(all, probe.NewRedis(rb.Client()))
	}
	if len(all) == 0 {
		return nil
	}
	return all
}

// Deactivate stops the manager, the relay and the hub, in that order.
func (p *RealtimePlugin) Deactivate() error {
	if !p.active {
		return nil
	}
	err := p.teardown()
	p.active = false
	p.logger.Info().Str("plugin", p.ID()).Msg("realtime plugin deactivated")
	return err
}

func (p *RealtimePlugin) teardown() error {
	var errs []error
	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
	if p.service != nil {
		p.service.UnsubscribeAll()
	}
	if p.manager != nil {
		errs = append(errs, p.manager.Close())
		p.manager = nil
	}
	if p.bridge != nil {
		if err := p.bridge.Stop(); err != nil {
			p.logger.Error().Err(err).Msg("relay stop error")
			errs = append(errs, err)
		}
		p.bridge = nil
	}
	if p.hub != nil {
		p.hub.Stop()
	}
	if p.closer != nil {
		errs = append(errs, p.closer())
		p.closer = nil
	}
	return errors.Join(errs...)
}
