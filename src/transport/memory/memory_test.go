package memory

import (
	"errors"
	"testing"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscribe(t *testing.T, tr *Transport, name string) (types.Instance, *[]types.ChannelStatus) {
	t.Helper()
	h, err := tr.CreateChannel(name, types.ChannelConfig{})
	require.NoError(t, err)
	var got []types.ChannelStatus
	inst, err := h.Subscribe(func(s types.ChannelStatus, _ error) { got = append(got, s) })
	require.NoError(t, err)
	return inst, &got
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	tr := New()
	inst, got := subscribe(t, tr, "A")
	assert.Equal(t, 1, tr.Live("A"))
	assert.Equal(t, 1, tr.Created("A"))

	require.NoError(t, inst.Unsubscribe())
	require.NoError(t, inst.Unsubscribe())
	assert.Zero(t, tr.Live("A"))
	assert.Equal(t, []types.ChannelStatus{types.ChannelSubscribed, types.ChannelClosed}, *got)
}

func TestEmitFailureReleasesChannel(t *testing.T) {
	tr := New()
	_, got := subscribe(t, tr, "A")
	tr.Emit("A", types.ChannelError, errors.New("boom"))

	assert.Zero(t, tr.TotalLive())
	assert.Equal(t, []types.ChannelStatus{types.ChannelSubscribed, types.ChannelError}, *got)
}

func TestDownAndFailNext(t *testing.T) {
	tr := New()
	tr.SetDown(true)
	_, err := tr.CreateChannel("A", types.ChannelConfig{})
	assert.ErrorIs(t, err, ErrUnavailable)

	tr.SetDown(false)
	boom := errors.New("setup")
	tr.FailNext("A", boom)
	_, err = tr.CreateChannel("A", types.ChannelConfig{})
	assert.ErrorIs(t, err, boom)
	_, err = tr.CreateChannel("A", types.ChannelConfig{})
	assert.NoError(t, err)
}

func TestSilencedChannelNeverConfirms(t *testing.T) {
	tr := New()
	tr.Silence("A", true)
	_, got := subscribe(t, tr, "A")
	assert.Empty(t, *got)
	assert.Equal(t, 1, tr.Live("A"))
}

func TestDeliverMatchesFilters(t *testing.T) {
	tr := New()
	h, err := tr.CreateChannel("todos", types.ChannelConfig{})
	require.NoError(t, err)
	var events []string
	h.On("postgres_changes", types.Filter{Event: "INSERT", Table: "todos"}, func(c types.Change) { events = append(events, c.Event) })
	_, err = h.Subscribe(nil)
	require.NoError(t, err)

	assert.Equal(t, 1, tr.Deliver("todos", types.Change{Event: "INSERT", Table: "todos"}))
	assert.Equal(t, 0, tr.Deliver("todos", types.Change{Event: "DELETE", Table: "todos"}))
	assert.Equal(t, 0, tr.Deliver("todos", types.Change{Event: "INSERT", Table: "users"}))
	assert.Equal(t, []string{"INSERT"}, events)
}
