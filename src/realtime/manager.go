// Package realtime assembles the connection resilience layer: channel
// registry, reconnection coordinator, status bus, network tracker, heartbeat
// and session keepalive, behind one ConnectionManager.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/backoff"
	"github.com/orchestra-mcp/realtime/src/coordinator"
	"github.com/orchestra-mcp/realtime/src/heartbeat"
	"github.com/orchestra-mcp/realtime/src/keepalive"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/network"
	"github.com/orchestra-mcp/realtime/src/registry"
	"github.com/orchestra-mcp/realtime/src/statusbus"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Options carries the collaborators of a Manager.
type Options struct {
	Transport types.Transport    // required
	Sessions  types.SessionStore // optional
	Prober    types.Prober       // optional, used by heartbeat and keepalive
	Metrics   *metrics.Recorder  // optional
	Logger    zerolog.Logger

	CoordinatorOptions []coordinator.Option
	NetworkOptions     []network.Option
}

// Snapshot is the externally visible connection state.
type Snapshot struct {
	coordinator.Snapshot
	IsVisible bool     `json:"is_visible"`
	Channels  int      `json:"channels"`
	Attached  int      `json:"attached"`
	Missing   []string `json:"missing,omitempty"`
}

// Manager is the ConnectionManager. It has no package-level state; every
// instance owns its own components.
type Manager struct {
	cfg     config.RealtimeConfig
	logger  zerolog.Logger
	metrics *metrics.Recorder

	registry  *registry.Registry
	coord     *coordinator.Coordinator
	bus       *statusbus.Bus
	tracker   *network.Tracker
	heartbeat *heartbeat.Monitor
	keepalive *keepalive.Keepalive

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the components. A nil cfg uses config.DefaultConfig.
func New(cfg *config.RealtimeConfig, opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, errors.New("realtime: transport is required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	logger := opts.Logger.With().Str("component", "realtime").Logger()
	bus := statusbus.New(opts.Logger)
	reg := registry.New(opts.Transport, opts.Logger)

	coordOpts := append([]coordinator.Option{coordinator.WithMetrics(opts.Metrics)}, opts.CoordinatorOptions...)
	coord := coordinator.New(CoordinatorConfig(cfg), reg, bus, opts.Logger, coordOpts...)
	reg.SetStatusHandler(coord.HandleChannelStatus)

	ka := keepalive.New(keepalive.Config{
		RefreshInterval: config.Ms(cfg.Keepalive.RefreshIntervalMs),
		RefreshMargin:   config.Ms(cfg.Keepalive.RefreshMarginMs),
		RefreshRetries:  cfg.Keepalive.RefreshRetries,
		ProbeInterval:   config.Ms(cfg.Keepalive.ProbeIntervalMs),
		ProbeTimeout:    config.Ms(cfg.Keepalive.ProbeTimeoutMs),
	}, opts.Sessions, opts.Prober, coord, opts.Logger)

	tracker := network.New(network.Config{
		OnlineDebounce:  config.Ms(cfg.Network.OnlineDebounceMs),
		HiddenThreshold: config.Ms(cfg.Network.HiddenThresholdMs),
	}, coord, ka, opts.Logger, opts.NetworkOptions...)

	hbOpts := []heartbeat.Option{
		heartbeat.WithVisibility(tracker.Visible),
		heartbeat.WithMetrics(opts.Metrics),
	}
	if opts.Prober != nil {
		hbOpts = append(hbOpts, heartbeat.WithProber(opts.Prober))
	}
	hb := heartbeat.New(heartbeat.Config{
		Interval:     config.Ms(cfg.Heartbeat.IntervalMs),
		Debounce:     config.Ms(cfg.Heartbeat.DebounceMs),
		ProbeTimeout: config.Ms(cfg.Keepalive.ProbeTimeoutMs),
	}, reg, coord, opts.Logger, hbOpts...)

	return &Manager{
		cfg:       *cfg,
		logger:    logger,
		metrics:   opts.Metrics,
		registry:  reg,
		coord:     coord,
		bus:       bus,
		tracker:   tracker,
		heartbeat: hb,
		keepalive: ka,
	}, nil
}

// CoordinatorConfig maps the config file sections onto a coordinator config.
func CoordinatorConfig(cfg *config.RealtimeConfig) coordinator.Config {
	return coordinator.Config{
		Backoff: backoff.Config{
			Base:        config.Ms(cfg.Backoff.BaseMs),
			Max:         config.Ms(cfg.Backoff.MaxMs),
			Factor:      cfg.Backoff.Factor,
			Jitter:      cfg.Backoff.Jitter,
			MaxAttempts: cfg.Backoff.MaxAttempts,
		},
		Settle:             config.Ms(cfg.Reconnect.SettleMs),
		Confirm:            config.Ms(cfg.Reconnect.ConfirmMs),
		RequireAllAttached: cfg.Reconnect.RequireAllAttached,
	}
}

// Start runs the heartbeat and keepalive loops until ctx is done or Close is
// called. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.heartbeat.Run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.keepalive.Run(ctx)
	}()
	m.logger.Info().Int("channels", m.registry.Len()).Msg("realtime manager started")
}

// Subscribe registers a channel spec and attaches it immediately. The
// returned func unsubscribes it.
func (m *Manager) Subscribe(name string, setup registry.SetupFunc) func() {
	return m.registry.Subscribe(registry.Spec{Name: name, Setup: setup})
}

// SubscribeSpec is Subscribe with a full spec.
func (m *Manager) SubscribeSpec(spec registry.Spec) func() {
	return m.registry.Subscribe(spec)
}

// Unsubscribe removes name and tears its instance down.
func (m *Manager) Unsubscribe(name string) {
	m.registry.Unsubscribe(name)
}

// ReconnectNow starts a manual reconnection unless one is in flight.
func (m *Manager) ReconnectNow() bool {
	return m.coord.ReconnectNow()
}

// OnStatus registers a status handler and returns its unsubscribe func.
func (m *Manager) OnStatus(h statusbus.Handler) func() {
	return m.bus.Subscribe(h)
}

// StatusChannel returns a buffered stream of status events.
func (m *Manager) StatusChannel(buffer int) (<-chan types.StatusEvent, func()) {
	return m.bus.Channel(buffer)
}

// LastStatus returns the most recently published status event.
func (m *Manager) LastStatus() (types.StatusEvent, bool) {
	return m.bus.Last()
}

// SetOnline feeds a network connectivity signal to the tracker.
func (m *Manager) SetOnline(online bool) {
	m.tracker.SetOnline(online)
}

// SetVisible feeds a visibility signal to the tracker.
func (m *Manager) SetVisible(visible bool) {
	m.tracker.SetVisible(visible)
}

// Snapshot returns the current connection state.
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{
		Snapshot:  m.coord.Snapshot(),
		IsVisible: m.tracker.Visible(),
		Channels:  m.registry.Len(),
		Attached:  m.registry.AttachedCount(),
		Missing:   m.registry.Missing(),
	}
}

// Channels returns the registered channel names, sorted.
func (m *Manager) Channels() []string {
	return m.registry.Names()
}

// Metrics returns the recorder the manager reports to, possibly nil.
func (m *Manager) Metrics() *metrics.Recorder {
	return m.metrics
}

// Close stops every loop, tears down all instances and closes the bus.
// Registered specs are kept, so a new manager is needed to resume.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.heartbeat.Stop()
	m.tracker.Close()
	m.coord.Close()

	err := m.registry.DetachAll()
	if err != nil {
		m.logger.Warn().Err(err).Msg("teardown errors on close")
	}
	m.bus.Close()
	m.logger.Info().Msg("realtime manager closed")
	return err
}
