// Package network turns host connectivity and UI visibility signals into
// reconnection triggers.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/orchestra-mcp/realtime/src/coordinator"
	"github.com/rs/zerolog"
)

// Reconnector is the coordinator surface the tracker drives.
type Reconnector interface {
	MarkOnline()
	MarkOffline()
	Trigger(reason coordinator.Reason) bool
}

// SessionRefresher forces a session refresh after a long hidden period.
type SessionRefresher interface {
	ForceRefresh(ctx context.Context) error
}

// Config tunes the tracker.
type Config struct {
	OnlineDebounce  time.Duration
	HiddenThreshold time.Duration
	RefreshTimeout  time.Duration
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock sets the time source used to measure hidden intervals.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithAfterFunc replaces time.AfterFunc for the online debounce.
func WithAfterFunc(fn func(d time.Duration, f func()) Stopper) Option {
	return func(t *Tracker) { t.afterFunc = fn }
}

// Stopper cancels a scheduled func.
type Stopper interface {
	Stop() bool
}

// Tracker records online and visibility transitions.
type Tracker struct {
	cfg       Config
	coord     Reconnector
	refresher SessionRefresher
	logger    zerolog.Logger
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) Stopper

	mu       sync.Mutex
	online   bool
	visible  bool
	hiddenAt time.Time
	pending  Stopper
	wg       sync.WaitGroup
}

// New creates a tracker that assumes the host starts online and visible.
// refresher may be nil.
func New(cfg Config, coord Reconnector, refresher SessionRefresher, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:       cfg,
		coord:     coord,
		refresher: refresher,
		logger:    logger.With().Str("component", "network-tracker").Logger(),
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) },
		online:    true,
		visible:   true,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.cfg.RefreshTimeout <= 0 {
		t.cfg.RefreshTimeout = 10 * time.Second
	}
	return t
}

// SetOnline records a connectivity transition.
func (t *Tracker) SetOnline(online bool) {
	if online {
		t.goOnline()
		return
	}
	t.goOffline()
}

func (t *Tracker) goOnline() {
	t.mu.Lock()
	t.online = true
	if t.pending != nil {
		t.pending.Stop()
	}
	var timer Stopper
	timer = t.afterFunc(t.cfg.OnlineDebounce, func() {
		t.mu.Lock()
		current := t.pending == timer && t.online
		if current {
			t.pending = nil
		}
		t.mu.Unlock()
		if current {
			t.coord.Trigger(coordinator.ReasonNetworkOnline)
		}
	})
	t.pending = timer
	t.mu.Unlock()

	t.coord.MarkOnline()
	t.logger.Debug().Dur("debounce", t.cfg.OnlineDebounce).Msg("online, reconnect scheduled")
}

func (t *Tracker) goOffline() {
	t.mu.Lock()
	t.online = false
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.mu.Unlock()

	t.coord.MarkOffline()
}

// SetVisible records a visibility transition. Becoming visible after being
// hidden longer than HiddenThreshold refreshes the session and triggers a
// reconnection; shorter hidden intervals are ignored.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	if !visible {
		if t.visible {
			t.hiddenAt = t.now()
		}
		t.visible = false
		t.mu.Unlock()
		return
	}
	if t.visible {
		t.mu.Unlock()
		return
	}
	t.visible = true
	hiddenFor := t.now().Sub(t.hiddenAt)
	t.hiddenAt = time.Time{}
	t.mu.Unlock()

	if hiddenFor <= t.cfg.HiddenThreshold {
		t.logger.Debug().Dur("hidden_for", hiddenFor).Msg("short hidden interval ignored")
		return
	}

	t.logger.Info().Dur("hidden_for", hiddenFor).Msg("visible after long hidden interval")
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.recover()
	}()
}

func (t *Tracker) recover() {
	if t.refresher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RefreshTimeout)
		err := t.refresher.ForceRefresh(ctx)
		cancel()
		if err != nil {
			t.logger.Warn().Err(err).Msg("session refresh after hidden interval failed")
		}
	}
	t.coord.Trigger(coordinator.ReasonVisibilityRecovered)
}

// Online reports the last known connectivity.
func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// Visible reports whether the UI is currently visible.
func (t *Tracker) Visible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visible
}

// Close cancels a pending debounce and waits for in-flight recoveries.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
}
