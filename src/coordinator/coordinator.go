// Package coordinator implements the reconnection state machine. It turns
// failure triggers from the transport, the heartbeat, the network tracker and
// the keepalive into at most one in-flight reconnection sequence at a time.
package coordinator

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/orchestra-mcp/realtime/src/backoff"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// State is the coordinator's position in the reconnection state machine.
type State int

const (
	StateIdle State = iota
	StateReconnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReconnecting:
		return "reconnecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Reason names the source of a reconnection trigger.
type Reason string

const (
	ReasonChannelError         Reason = "channel_error"
	ReasonChannelTimeout       Reason = "channel_timeout"
	ReasonHeartbeatMiss        Reason = "heartbeat_miss"
	ReasonNetworkOnline        Reason = "network_online"
	ReasonVisibilityRecovered  Reason = "visibility_recovered"
	ReasonSessionRefreshFailed Reason = "session_refresh_failed"
	ReasonProbeFailed          Reason = "probe_failed"
	ReasonManual               Reason = "manual"
)

// Channels is the part of the channel registry the coordinator drives.
type Channels interface {
	Len() int
	DetachAll() error
	AttachAll() error
	AttachedCount() int
}

// Publisher receives status transitions.
type Publisher interface {
	Publish(ev types.StatusEvent)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config tunes one reconnection sequence.
type Config struct {
	Backoff            backoff.Config
	Settle             time.Duration // after DetachAll, before re-attaching
	Confirm            time.Duration // after AttachAll, before checking instances
	RequireAllAttached bool
}

// Snapshot is a copy of the reconnection state.
type Snapshot struct {
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	IsOnline        bool      `json:"is_online"`
	IsReconnecting  bool      `json:"is_reconnecting"`
	Attempt         int       `json:"attempt"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithSleep replaces the timer wait, mostly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

// WithRand sets the jitter source.
func WithRand(fn backoff.RandFunc) Option {
	return func(c *Coordinator) { c.rnd = fn }
}

// WithMetrics records sequence activity on m.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator owns the reconnection state. All state lives behind mu and the
// in-flight check is a single critical section, so concurrent triggers can
// never both start a sequence.
type Coordinator struct {
	cfg      Config
	channels Channels
	bus      Publisher
	logger   zerolog.Logger
	metrics  *metrics.Recorder
	sleep    SleepFunc
	rnd      backoff.RandFunc
	now      func() time.Time

	mu            sync.Mutex
	state         State
	online        bool
	reconnecting  bool
	attempt       int
	lastHeartbeat time.Time
	wake          chan struct{} // armed per backoff wait, closed on offline
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator in the Idle state, assuming the network is up.
func New(cfg Config, channels Channels, bus Publisher, logger zerolog.Logger, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		channels: channels,
		bus:      bus,
		logger:   logger.With().Str("component", "reconnect-coordinator").Logger(),
		sleep:    sleepCtx,
		rnd:      rand.Float64,
		now:      time.Now,
		state:    StateIdle,
		online:   true,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger starts a reconnection sequence unless one is already in flight or
// the network is known to be offline. It reports whether a sequence started.
func (c *Coordinator) Trigger(reason Reason) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if !c.online {
		c.mu.Unlock()
		c.logger.Debug().Str("reason", string(reason)).Msg("offline, trigger ignored")
		c.metrics.Trigger(string(reason), false)
		return false
	}
	if c.reconnecting {
		attempt := c.attempt
		c.mu.Unlock()
		c.logger.Debug().Str("reason", string(reason)).Int("attempt", attempt).Msg("reconnection in flight, trigger coalesced")
		c.metrics.Trigger(string(reason), false)
		return false
	}
	c.reconnecting = true
	c.state = StateReconnecting
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.Trigger(string(reason), true)
	c.logger.Info().Str("reason", string(reason)).Msg("reconnection started")
	go c.run()
	return true
}

// ReconnectNow forces a fresh sequence, subject to the in-flight guard.
func (c *Coordinator) ReconnectNow() bool {
	return c.Trigger(ReasonManual)
}

// HandleChannelStatus classifies a transport status callback. Only error and
// timeout outcomes trigger; a normal closure never does.
func (c *Coordinator) HandleChannelStatus(name string, status types.ChannelStatus, err error) {
	switch status {
	case types.ChannelError:
		c.logger.Warn().Err(err).Str("channel", name).Msg("channel error")
		c.Trigger(ReasonChannelError)
	case types.ChannelTimeout:
		c.logger.Warn().Err(err).Str("channel", name).Msg("channel timed out")
		c.Trigger(ReasonChannelTimeout)
	case types.ChannelClosed:
		c.logger.Debug().Str("channel", name).Msg("channel closed")
	default:
		c.logger.Debug().Str("channel", name).Stringer("status", status).Msg("channel status")
	}
}

// MarkOffline records that the network is gone and publishes offline. A
// sequence sleeping between attempts wakes up and aborts.
func (c *Coordinator) MarkOffline() {
	c.mu.Lock()
	c.online = false
	if c.wake != nil {
		close(c.wake)
		c.wake = nil
	}
	c.mu.Unlock()

	c.logger.Info().Msg("network offline")
	c.publish(types.StatusOffline, 0)
}

// MarkOnline records that the network is back and resets the attempt count.
func (c *Coordinator) MarkOnline() {
	c.mu.Lock()
	c.online = true
	c.attempt = 0
	c.mu.Unlock()
	c.logger.Info().Msg("network online")
}

// MarkHeartbeat records a healthy heartbeat.
func (c *Coordinator) MarkHeartbeat(at time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = at
	c.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:           c.state,
		StateName:       c.state.String(),
		IsOnline:        c.online,
		IsReconnecting:  c.reconnecting,
		Attempt:         c.attempt,
		LastHeartbeatAt: c.lastHeartbeat,
	}
}

// Reconnecting reports whether a sequence is in flight.
func (c *Coordinator) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnecting
}

// Close stops an in-flight sequence and refuses further triggers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	sched := backoff.NewSchedule(c.cfg.Backoff, c.rnd)
	for {
		delay, _ := sched.Next()

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		c.metrics.Attempt()
		c.publish(types.StatusReconnecting, attempt)
		c.logger.Info().Int("attempt", attempt).Msg("reconnection attempt")

		ok := c.tryAttach()
		if c.ctx.Err() != nil {
			c.finish("closed")
			return
		}
		if ok {
			c.succeed(attempt)
			return
		}
		if sched.Remaining() == 0 {
			c.fail(attempt)
			return
		}

		c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnection attempt failed, backing off")
		if err := c.waitBackoff(delay); err != nil {
			c.finish("closed")
			return
		}
		if !c.isOnline() {
			c.abort(attempt)
			return
		}
	}
}

// tryAttach performs one detach/settle/attach/confirm round.
func (c *Coordinator) tryAttach() bool {
	if c.channels.Len() == 0 {
		return true
	}

	if err := c.channels.DetachAll(); err != nil {
		c.logger.Debug().Err(err).Msg("teardown reported errors")
	}
	if err := c.sleep(c.ctx, c.cfg.Settle); err != nil {
		return false
	}
	if err := c.channels.AttachAll(); err != nil {
		c.logger.Debug().Err(err).Msg("some channels failed to attach")
	}
	if err := c.sleep(c.ctx, c.cfg.Confirm); err != nil {
		return false
	}

	total := c.channels.Len()
	attached := c.channels.AttachedCount()
	c.metrics.Attached(attached)
	if total == 0 {
		return true
	}
	if c.cfg.RequireAllAttached {
		return attached == total
	}
	return attached > 0
}

// waitBackoff sleeps for d, returning early when the network goes offline.
// Each wait arms its own wake channel. It only returns an error when the
// coordinator is closed.
func (c *Coordinator) waitBackoff(d time.Duration) error {
	c.mu.Lock()
	if !c.online {
		c.mu.Unlock()
		return c.ctx.Err()
	}
	wake := make(chan struct{})
	c.wake = wake
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	go func() {
		select {
		case <-wake:
			cancel()
		case <-ctx.Done():
		}
	}()
	_ = c.sleep(ctx, d)

	c.mu.Lock()
	if c.wake == wake {
		c.wake = nil
	}
	c.mu.Unlock()
	return c.ctx.Err()
}

func (c *Coordinator) isOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Coordinator) succeed(attempt int) {
	c.mu.Lock()
	c.attempt = 0
	c.reconnecting = false
	c.state = StateConnected
	c.wake = nil
	c.mu.Unlock()

	c.metrics.Sequence("connected")
	c.logger.Info().Int("attempts", attempt).Msg("reconnected")
	c.publish(types.StatusConnected, 0)
}

func (c *Coordinator) fail(attempt int) {
	c.mu.Lock()
	c.attempt = 0
	c.reconnecting = false
	c.state = StateDisconnected
	c.wake = nil
	c.mu.Unlock()

	c.metrics.Sequence("disconnected")
	c.logger.Warn().Int("attempts", attempt).Msg("reconnection attempts exhausted")
	c.publish(types.StatusDisconnected, 0)
}

// abort ends a sequence preempted by the network going offline. It is not a
// failure: nothing is published and the state is left as is.
func (c *Coordinator) abort(attempt int) {
	c.mu.Lock()
	c.reconnecting = false
	c.wake = nil
	c.mu.Unlock()

	c.metrics.Sequence("aborted")
	c.logger.Info().Int("attempt", attempt).Msg("reconnection aborted, network offline")
}

func (c *Coordinator) finish(outcome string) {
	c.mu.Lock()
	c.reconnecting = false
	c.wake = nil
	c.mu.Unlock()
	c.metrics.Sequence(outcome)
}

func (c *Coordinator) publish(status types.Status, attempt int) {
	c.metrics.Status(string(status))
	if c.bus == nil {
		return
	}
	c.bus.Publish(types.StatusEvent{Type: status, Attempt: attempt, Timestamp: c.now()})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
