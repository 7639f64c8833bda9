package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/orchestra-mcp/realtime/src/transport/memory"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusRecorder struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	name   string
	status types.ChannelStatus
}

func (s *statusRecorder) handle(name string, status types.ChannelStatus, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recorded{name, status})
}

func (s *statusRecorder) count(status types.ChannelStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.status == status {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T) (*Registry, *memory.Transport, *statusRecorder) {
	t.Helper()
	tr := memory.New()
	r := New(tr, zerolog.Nop())
	rec := &statusRecorder{}
	r.SetStatusHandler(rec.handle)
	return r, tr, rec
}

func noopSetup(types.Handle) error { return nil }

func TestSubscribeAttachesImmediately(t *testing.T) {
	r, tr, rec := newTestRegistry(t)

	var setupCalls int
	r.Subscribe(Spec{Name: "pickups", Setup: func(h types.Handle) error {
		setupCalls++
		assert.Equal(t, "pickups", h.Name())
		h.On("postgres_changes", types.Filter{Event: "*", Schema: "public", Table: "pickups"}, func(types.Change) {})
		return nil
	}})

	assert.Equal(t, 1, setupCalls)
	assert.True(t, r.Attached("pickups"))
	assert.Equal(t, 1, tr.Live("pickups"))
	assert.Equal(t, 1, rec.count(types.ChannelSubscribed))
}

func TestUnsubscribeFuncRemovesEntry(t *testing.T) {
	r, tr, _ := newTestRegistry(t)

	unsubscribe := r.Subscribe(Spec{Name: "payments", Setup: noopSetup})
	require.Equal(t, 1, r.Len())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, tr.Live("payments"))
}

func TestResubscribeReplacesSpec(t *testing.T) {
	r, tr, _ := newTestRegistry(t)

	var version int
	first := r.Subscribe(Spec{Name: "users", Setup: func(types.Handle) error { version = 1; return nil }})
	r.Subscribe(Spec{Name: "users", Setup: func(types.Handle) error { version = 2; return nil }})

	assert.Equal(t, 2, version)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, tr.Live("users"), "previous instance must be released")

	// The stale unsubscribe func must not remove the replacement.
	first()
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Attached("users"))
}

func TestAttachFailureIsAbsorbed(t *testing.T) {
	r, tr, _ := newTestRegistry(t)
	tr.FailNext("broken", errors.New("socket closed"))

	assert.NotPanics(t, func() {
		r.Subscribe(Spec{Name: "broken", Setup: noopSetup})
	})
	assert.Equal(t, 1, r.Len())
	assert.False(t, r.Attached("broken"))
	assert.Equal(t, []string{"broken"}, r.Missing())

	require.NoError(t, r.Attach("broken"))
	assert.True(t, r.Attached("broken"))
}

func TestSetupErrorAndPanicAreAttachFailures(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	r.Subscribe(Spec{Name: "err", Setup: func(types.Handle) error { return errors.New("bad filter") }})
	r.Subscribe(Spec{Name: "panic", Setup: func(types.Handle) error { panic("nil map") }})

	assert.Equal(t, 0, r.AttachedCount())
	err := r.AttachAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad filter")
	assert.Contains(t, err.Error(), "panicked")
}

func TestDetachAllReleasesEveryInstance(t *testing.T) {
	r, tr, _ := newTestRegistry(t)
	r.Subscribe(Spec{Name: "A", Setup: noopSetup})
	r.Subscribe(Spec{Name: "B", Setup: noopSetup})
	require.Equal(t, 2, tr.TotalLive())

	require.NoError(t, r.DetachAll())
	assert.Equal(t, 0, tr.TotalLive())
	assert.Equal(t, 0, r.AttachedCount())
	assert.Equal(t, 2, r.Len(), "specs survive a detach")

	// idempotent
	require.NoError(t, r.DetachAll())

	require.NoError(t, r.AttachAll())
	assert.Equal(t, 1, tr.Live("A"))
	assert.Equal(t, 1, tr.Live("B"))
}

func TestDetachAllEmpty(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	assert.NoError(t, r.DetachAll())
}

type failingInstance struct{}

func (failingInstance) Unsubscribe() error { return errors.New("already gone") }

type failingHandle struct{ name string }

func (h failingHandle) Name() string { return h.name }

func (failingHandle) On(string, types.Filter, types.ChangeHandler) {}

func (failingHandle) Subscribe(types.StatusCallback) (types.Instance, error) {
	return failingInstance{}, nil
}

type failingTransport struct{}

func (failingTransport) CreateChannel(name string, _ types.ChannelConfig) (types.Handle, error) {
	return failingHandle{name: name}, nil
}

func TestDetachAllReportsTeardownErrors(t *testing.T) {
	r := New(failingTransport{}, zerolog.Nop())
	r.Subscribe(Spec{Name: "stale", Setup: noopSetup})
	require.True(t, r.Attached("stale"))

	err := r.DetachAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already gone")
	assert.False(t, r.Attached("stale"), "instance cleared even when teardown fails")
}

func TestFailureStatusClearsInstance(t *testing.T) {
	r, tr, rec := newTestRegistry(t)
	r.Subscribe(Spec{Name: "A", Setup: noopSetup})

	tr.Emit("A", types.ChannelError, errors.New("CHANNEL_ERROR"))
	assert.False(t, r.Attached("A"))
	assert.Equal(t, 1, rec.count(types.ChannelError))
}

func TestStaleStatusIgnoredAfterDetach(t *testing.T) {
	r, _, rec := newTestRegistry(t)
	r.Subscribe(Spec{Name: "A", Setup: noopSetup})

	require.NoError(t, r.DetachAll())
	// memory transport reports Closed on unsubscribe; it belongs to a released attachment
	assert.Equal(t, 0, rec.count(types.ChannelClosed))
}

func TestNamesSorted(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Subscribe(Spec{Name: "c", Setup: noopSetup})
	r.Subscribe(Spec{Name: "a", Setup: noopSetup})
	r.Subscribe(Spec{Name: "b", Setup: noopSetup})
	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
}

func TestAttachUnknown(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	assert.Error(t, r.Attach("ghost"))
}
