// Package heartbeat periodically checks that every registered channel still
// has a live instance and that the backend answers a probe.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/orchestra-mcp/realtime/src/coordinator"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Channels reports registry entries without a live instance.
type Channels interface {
	Missing() []string
}

// Target receives heartbeat outcomes.
type Target interface {
	MarkHeartbeat(at time.Time)
	Trigger(reason coordinator.Reason) bool
}

// Config tunes the heartbeat loop.
type Config struct {
	Interval time.Duration
	Debounce time.Duration
	// ProbeTimeout bounds a single probe call. Zero means Interval.
	ProbeTimeout time.Duration
}

// Monitor runs the heartbeat loop.
type Monitor struct {
	cfg      Config
	channels Channels
	target   Target
	prober   types.Prober
	visible  func() bool
	metrics  *metrics.Recorder
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	timer     *time.Timer
	probeMiss bool // a probe failed since the timer was armed
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithProber adds a backend probe to every tick.
func WithProber(p types.Prober) Option {
	return func(m *Monitor) { m.prober = p }
}

// WithVisibility skips ticks while fn reports false.
func WithVisibility(fn func() bool) Option {
	return func(m *Monitor) { m.visible = fn }
}

// WithMetrics records misses on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Monitor) { m.metrics = r }
}

// WithClock sets the time source for heartbeat timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a monitor. It does nothing until Run or Tick is called.
func New(cfg Config, channels Channels, target Target, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		channels: channels,
		target:   target,
		logger:   logger.With().Str("component", "heartbeat").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.ProbeTimeout <= 0 {
		m.cfg.ProbeTimeout = m.cfg.Interval
	}
	return m
}

// Run ticks every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.Interval <= 0 {
		m.logger.Warn().Msg("heartbeat disabled: non-positive interval")
		return
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	defer m.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one check and reports whether it was healthy. Hidden ticks
// report true without checking anything.
func (m *Monitor) Tick(ctx context.Context) bool {
	if m.visible != nil && !m.visible() {
		return true
	}

	if missing := m.channels.Missing(); len(missing) > 0 {
		m.logger.Warn().Strs("channels", missing).Msg("channels without a live instance")
		m.miss(false)
		return false
	}

	if m.prober != nil {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := m.prober.Probe(pctx)
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).Msg("heartbeat probe failed")
			m.miss(true)
			return false
		}
	}

	m.target.MarkHeartbeat(m.now())
	return true
}

func (m *Monitor) miss(probe bool) {
	m.metrics.HeartbeatMiss()

	if m.cfg.Debounce <= 0 {
		m.target.Trigger(coordinator.ReasonHeartbeatMiss)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeMiss = m.probeMiss || probe
	if m.timer != nil {
		return
	}
	m.timer = time.AfterFunc(m.cfg.Debounce, m.fire)
}

// fire runs when the debounce window closes. Channel misses are re-checked
// since another sequence may have restored them in the meantime.
func (m *Monitor) fire() {
	m.mu.Lock()
	m.timer = nil
	probe := m.probeMiss
	m.probeMiss = false
	m.mu.Unlock()

	if !probe && len(m.channels.Missing()) == 0 {
		m.logger.Debug().Msg("channels restored during debounce, trigger dropped")
		return
	}
	m.target.Trigger(coordinator.ReasonHeartbeatMiss)
}

// Pending reports whether a debounced trigger is armed.
func (m *Monitor) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Stop disarms a pending debounced trigger.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.probeMiss = false
}
