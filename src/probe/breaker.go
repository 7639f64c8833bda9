package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned while the breaker short-circuits probes.
var ErrOpen = gobreaker.ErrOpenState

// BreakerConfig controls when the breaker opens and for how long.
type BreakerConfig struct {
	TripAfter uint32        // consecutive failures that open the breaker
	Cooldown  time.Duration // open period before a half-open trial probe
}

// Breaker stops hammering an unhealthy backend: after TripAfter consecutive
// failures it fails probes immediately until Cooldown has passed. A
// short-circuited probe still counts as a failed probe for the caller.
type Breaker struct {
	inner interface {
		Probe(ctx context.Context) error
	}
	cb *gobreaker.CircuitBreaker[struct{}]
}

func NewBreaker(name string, inner interface{ Probe(ctx context.Context) error }, cfg BreakerConfig, logger zerolog.Logger) *Breaker {
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	log := logger.With().Str("component", "probe-breaker").Str("probe", name).Logger()
	tripAfter := cfg.TripAfter

	return &Breaker{
		inner: inner,
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= tripAfter
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				log.Warn().Stringer("from", from).Stringer("to", to).Msg("probe breaker state change")
			},
			IsExcluded: func(err error) bool {
				return errors.Is(err, context.Canceled)
			},
		}),
	}
}

func (b *Breaker) Probe(ctx context.Context) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.inner.Probe(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("probe %s: %w", b.cb.Name(), err)
	}
	return err
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}
