package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/realtime/src/coordinator"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannels struct {
	mu      sync.Mutex
	missing []string
}

func (f *fakeChannels) Missing() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.missing
}

func (f *fakeChannels) set(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing = names
}

type fakeTarget struct {
	mu       sync.Mutex
	beats    []time.Time
	triggers []coordinator.Reason
}

func (f *fakeTarget) MarkHeartbeat(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats = append(f.beats, at)
}

func (f *fakeTarget) Trigger(reason coordinator.Reason) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, reason)
	return true
}

func (f *fakeTarget) triggerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

func (f *fakeTarget) beatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.beats)
}

type probeFunc func(ctx context.Context) error

func (p probeFunc) Probe(ctx context.Context) error { return p(ctx) }

func TestHealthyTickMarksHeartbeat(t *testing.T) {
	ch := &fakeChannels{}
	tg := &fakeTarget{}
	at := time.Unix(42, 0)
	m := New(Config{Interval: time.Second}, ch, tg, zerolog.Nop(), WithClock(func() time.Time { return at }))

	assert.True(t, m.Tick(context.Background()))
	require.Len(t, tg.beats, 1)
	assert.Equal(t, at, tg.beats[0])
	assert.Empty(t, tg.triggers)
}

func TestMissingChannelTriggers(t *testing.T) {
	ch := &fakeChannels{}
	ch.set("B")
	tg := &fakeTarget{}
	rec := metrics.New()
	m := New(Config{Interval: time.Second}, ch, tg, zerolog.Nop(), WithMetrics(rec))

	assert.False(t, m.Tick(context.Background()))
	assert.Equal(t, []coordinator.Reason{coordinator.ReasonHeartbeatMiss}, tg.triggers)
	assert.Zero(t, tg.beatCount())
}

func TestProbeFailureTriggers(t *testing.T) {
	ch := &fakeChannels{}
	tg := &fakeTarget{}
	p := probeFunc(func(context.Context) error { return errors.New("backend down") })
	m := New(Config{Interval: time.Second}, ch, tg, zerolog.Nop(), WithProber(p))

	assert.False(t, m.Tick(context.Background()))
	assert.Equal(t, 1, tg.triggerCount())
}

func TestProbeReceivesDeadline(t *testing.T) {
	ch := &fakeChannels{}
	tg := &fakeTarget{}
	var hasDeadline bool
	p := probeFunc(func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	})
	m := New(Config{Interval: time.Second, ProbeTimeout: 50 * time.Millisecond}, ch, tg, zerolog.Nop(), WithProber(p))

	assert.True(t, m.Tick(context.Background()))
	assert.True(t, hasDeadline)
}

func TestHiddenTicksAreSkipped(t *testing.T) {
	ch := &fakeChannels{}
	ch.set("A")
	tg := &fakeTarget{}
	m := New(Config{Interval: time.Second}, ch, tg, zerolog.Nop(), WithVisibility(func() bool { return false }))

	assert.True(t, m.Tick(context.Background()))
	assert.Zero(t, tg.triggerCount())
	assert.Zero(t, tg.beatCount())
}

func TestDebounceFoldsRepeatedMisses(t *testing.T) {
	ch := &fakeChannels{}
	ch.set("A")
	tg := &fakeTarget{}
	m := New(Config{Interval: time.Second, Debounce: 30 * time.Millisecond}, ch, tg, zerolog.Nop())

	m.Tick(context.Background())
	m.Tick(context.Background())
	m.Tick(context.Background())
	assert.True(t, m.Pending())
	assert.Zero(t, tg.triggerCount())

	require.Eventually(t, func() bool { return tg.triggerCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.Pending())
}

func TestDebouncedTriggerDroppedWhenChannelsRecover(t *testing.T) {
	ch := &fakeChannels{}
	ch.set("A")
	tg := &fakeTarget{}
	m := New(Config{Interval: time.Second, Debounce: 20 * time.Millisecond}, ch, tg, zerolog.Nop())

	m.Tick(context.Background())
	require.True(t, m.Pending())
	ch.set()

	require.Eventually(t, func() bool { return !m.Pending() }, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, tg.triggerCount())
}

func TestDebouncedProbeMissStillTriggers(t *testing.T) {
	ch := &fakeChannels{}
	tg := &fakeTarget{}
	failing := probeFunc(func(context.Context) error { return errors.New("down") })
	m := New(Config{Interval: time.Second, Debounce: 20 * time.Millisecond}, ch, tg, zerolog.Nop(), WithProber(failing))

	m.Tick(context.Background())
	require.Eventually(t, func() bool { return tg.triggerCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStopDisarmsDebounce(t *testing.T) {
	ch := &fakeChannels{}
	ch.set("A")
	tg := &fakeTarget{}
	m := New(Config{Interval: time.Second, Debounce: 20 * time.Millisecond}, ch, tg, zerolog.Nop())

	m.Tick(context.Background())
	m.Stop()
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, tg.triggerCount())
}

func TestRunTicksUntilCanceled(t *testing.T) {
	ch := &fakeChannels{}
	tg := &fakeTarget{}
	m := New(Config{Interval: 5 * time.Millisecond}, ch, tg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return tg.beatCount() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
