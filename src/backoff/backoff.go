// Package backoff produces the bounded, optionally jittered delay sequence
// used between reconnection attempts.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Config describes a geometric delay sequence.
type Config struct {
	Base        time.Duration
	Max         time.Duration
	Factor      float64
	Jitter      bool
	MaxAttempts int // <= 0 means unbounded
}

// RandFunc returns a uniform value in [0, 1).
type RandFunc func() float64

func (c Config) normalized() Config {
	if c.Base < 0 {
		c.Base = 0
	}
	if c.Max < c.Base {
		c.Max = c.Base
	}
	if c.Factor < 1 || math.IsNaN(c.Factor) {
		c.Factor = 1
	}
	return c
}

// Term returns the un-jittered delay for attempt i (zero based):
// min(Max, Base*Factor^i), truncated to whole milliseconds.
func Term(cfg Config, i int) time.Duration {
	cfg = cfg.normalized()
	if i < 0 {
		i = 0
	}
	baseMs := float64(cfg.Base.Milliseconds())
	maxMs := float64(cfg.Max.Milliseconds())
	if baseMs == 0 {
		return 0
	}
	ms := math.Min(maxMs, baseMs*math.Pow(cfg.Factor, float64(i)))
	return time.Duration(math.Floor(ms)) * time.Millisecond
}

// Delay returns the delay for attempt i. With jitter enabled the term is
// scaled by a factor in [0.5, 1.5) and clipped at Max. The jitter draw
// only ever applies to the geometric term, never to a previous delay.
func Delay(cfg Config, i int, rnd RandFunc) time.Duration {
	term := Term(cfg, i)
	if !cfg.Jitter {
		return term
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	cfg = cfg.normalized()
	ms := math.Floor(float64(term.Milliseconds()) * (0.5 + rnd()))
	ms = math.Min(float64(cfg.Max.Milliseconds()), ms)
	return time.Duration(ms) * time.Millisecond
}

// Sequence returns all MaxAttempts delays. An unbounded config returns nil;
// use a Schedule for those.
func Sequence(cfg Config, rnd RandFunc) []time.Duration {
	if cfg.MaxAttempts <= 0 {
		return nil
	}
	out := make([]time.Duration, cfg.MaxAttempts)
	for i := range out {
		out[i] = Delay(cfg, i, rnd)
	}
	return out
}

// Schedule walks a delay sequence one attempt at a time.
type Schedule struct {
	cfg  Config
	rnd  RandFunc
	next int
}

// NewSchedule starts a fresh schedule at attempt zero.
func NewSchedule(cfg Config, rnd RandFunc) *Schedule {
	return &Schedule{cfg: cfg, rnd: rnd}
}

// Next returns the next delay, or false once MaxAttempts delays were handed out.
func (s *Schedule) Next() (time.Duration, bool) {
	if s.cfg.MaxAttempts > 0 && s.next >= s.cfg.MaxAttempts {
		return 0, false
	}
	d := Delay(s.cfg, s.next, s.rnd)
	s.next++
	return d, true
}

// Remaining reports how many delays are left; -1 when unbounded.
func (s *Schedule) Remaining() int {
	if s.cfg.MaxAttempts <= 0 {
		return -1
	}
	return s.cfg.MaxAttempts - s.next
}
