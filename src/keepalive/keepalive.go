// Package keepalive keeps the authentication session fresh and probes the
// backend on a fixed schedule, reporting failures as reconnection triggers.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/orchestra-mcp/realtime/src/coordinator"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Trigger is the coordinator entry point used on failure.
type Trigger interface {
	Trigger(reason coordinator.Reason) bool
}

// Config tunes the refresh and probe loops.
type Config struct {
	RefreshInterval time.Duration
	RefreshMargin   time.Duration
	RefreshRetries  int
	RetryDelay      time.Duration
	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
}

// Keepalive runs the refresh and probe loops.
type Keepalive struct {
	cfg      Config
	sessions types.SessionStore
	prober   types.Prober
	trigger  Trigger
	logger   zerolog.Logger
	now      func() time.Time

	refreshMu sync.Mutex
}

// Option customises a Keepalive.
type Option func(*Keepalive)

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(k *Keepalive) { k.now = now }
}

// New creates a Keepalive. sessions and prober may each be nil, which
// disables the matching loop.
func New(cfg Config, sessions types.SessionStore, prober types.Prober, trigger Trigger, logger zerolog.Logger, opts ...Option) *Keepalive {
	k := &Keepalive{
		cfg:      cfg,
		sessions: sessions,
		prober:   prober,
		trigger:  trigger,
		logger:   logger.With().Str("component", "keepalive").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.cfg.RetryDelay <= 0 {
		k.cfg.RetryDelay = time.Second
	}
	return k
}

// Run drives both loops until ctx is done.
func (k *Keepalive) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if k.sessions != nil && k.cfg.RefreshInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.loop(ctx, k.cfg.RefreshInterval, k.RefreshTick)
		}()
	}
	if k.prober != nil && k.cfg.ProbeInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.loop(ctx, k.cfg.ProbeInterval, k.ProbeTick)
		}()
	}
	wg.Wait()
}

func (k *Keepalive) loop(ctx context.Context, every time.Duration, tick func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = tick(ctx)
		}
	}
}

// RefreshTick refreshes the session when it expires within RefreshMargin.
// A session without an expiry is always refreshed.
func (k *Keepalive) RefreshTick(ctx context.Context) error {
	if k.sessions == nil {
		return nil
	}
	sess, err := k.sessions.GetSession(ctx)
	if errors.Is(err, types.ErrNoSession) || (err == nil && sess == nil) {
		return nil
	}
	if err != nil {
		k.logger.Warn().Err(err).Msg("failed to read session")
		k.trigger.Trigger(coordinator.ReasonSessionRefreshFailed)
		return err
	}
	if !sess.ExpiresAt.IsZero() && sess.ExpiresAt.Sub(k.now()) > k.cfg.RefreshMargin {
		return nil
	}

	if err := k.refresh(ctx); err != nil {
		k.trigger.Trigger(coordinator.ReasonSessionRefreshFailed)
		return err
	}
	return nil
}

// ForceRefresh refreshes the session regardless of its expiry. A missing
// session is not an error.
func (k *Keepalive) ForceRefresh(ctx context.Context) error {
	if k.sessions == nil {
		return nil
	}
	err := k.refresh(ctx)
	if errors.Is(err, types.ErrNoSession) {
		return nil
	}
	return err
}

func (k *Keepalive) refresh(ctx context.Context) error {
	k.refreshMu.Lock()
	defer k.refreshMu.Unlock()

	attempts := k.cfg.RefreshRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	err := retry.Do(
		func() error {
			_, err := k.sessions.RefreshSession(ctx)
			if errors.Is(err, types.ErrNoSession) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(uint(attempts)),
		retry.Delay(k.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			k.logger.Debug().Uint("attempt", n+1).Err(err).Msg("session refresh failed")
		}),
	)
	if err != nil {
		if errors.Is(err, types.ErrNoSession) {
			return err
		}
		k.logger.Warn().Err(err).Int("attempts", attempts).Msg("session refresh exhausted")
		return fmt.Errorf("refresh session: %w", err)
	}
	k.logger.Debug().Msg("session refreshed")
	return nil
}

// ProbeTick runs one probe bounded by ProbeTimeout.
func (k *Keepalive) ProbeTick(ctx context.Context) error {
	if k.prober == nil {
		return nil
	}
	if k.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.cfg.ProbeTimeout)
		defer cancel()
	}
	if err := k.prober.Probe(ctx); err != nil {
		k.logger.Warn().Err(err).Msg("keepalive probe failed")
		k.trigger.Trigger(coordinator.ReasonProbeFailed)
		return fmt.Errorf("probe: %w", err)
	}
	return nil
}
