package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockConn implements types.Conn without a real websocket.
type mockConn struct {
	mu       sync.Mutex
	written  []types.Message
	readCh   chan types.Message
	closed   bool
	closedCh chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:   make(chan types.Message, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *mockConn) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := v.(types.Message); ok {
		m.written = append(m.written, msg)
	}
	return nil
}

func (m *mockConn) ReadJSON(v any) error {
	select {
	case msg := <-m.readCh:
		if ptr, ok := v.(*types.Message); ok {
			*ptr = msg
		}
		return nil
	case <-m.closedCh:
		return errors.New("connection closed")
	}
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) getWritten() []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Message(nil), m.written...)
}

func (m *mockConn) waitWritten(t *testing.T, n int) []types.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.getWritten()) >= n }, time.Second, 5*time.Millisecond)
	return m.getWritten()
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := New(zerolog.Nop())
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

// registerClient registers a mock client and starts both pumps.
func registerClient(t *testing.T, h *Hub, id string) (*Client, *mockConn) {
	t.Helper()
	conn := newMockConn()
	client := NewClient(id, conn, h)
	h.Register(client)
	go client.WritePump()
	go client.ReadPump()
	require.Eventually(t, func() bool { return h.ClientInfo(id) != nil }, time.Second, 5*time.Millisecond)
	return client, conn
}

type fakeController struct {
	mu      sync.Mutex
	online  []bool
	visible []bool
	manual  int
}

func (f *fakeController) SetOnline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, v)
}

func (f *fakeController) SetVisible(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = append(f.visible, v)
}

func (f *fakeController) ReconnectNow() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manual++
	return true
}

type fakeRelay struct {
	mu  sync.Mutex
	got []types.Message
}

func (f *fakeRelay) Publish(msg types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, msg)
	return nil
}

func (f *fakeRelay) Available() bool { return true }

func (f *fakeRelay) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestRegisterAndUnregister(t *testing.T) {
	h := newTestHub(t)
	registerClient(t, h, "client-1")
	c2, _ := registerClient(t, h, "client-2")
	assert.Equal(t, []string{"client-1", "client-2"}, h.ConnectedClients())

	h.Unregister(c2)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, h.ClientInfo("client-2"))
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	h := newTestHub(t)
	registerClient(t, h, "c1")

	require.True(t, h.Subscribe(ChannelStatus, "c1"))
	assert.Equal(t, 1, h.Channels()[ChannelStatus])
	assert.False(t, h.Subscribe(ChannelStatus, "nonexistent"))

	h.Unsubscribe(ChannelStatus, "c1")
	_, ok := h.Channels()[ChannelStatus]
	assert.False(t, ok)
}

func TestStatusReachesSubscribersOnly(t *testing.T) {
	h := newTestHub(t)
	_, conn1 := registerClient(t, h, "c1")
	_, conn2 := registerClient(t, h, "c2")
	h.Subscribe(ChannelStatus, "c1")

	h.PublishStatus(types.StatusEvent{Type: types.StatusReconnecting, Attempt: 2, Timestamp: time.Now()})

	got := conn1.waitWritten(t, 1)
	assert.Equal(t, "reconnecting", got[0].Event)
	last, ok := h.LastStatus()
	require.True(t, ok)
	assert.Equal(t, "reconnecting", last.Event)
	assert.Equal(t, 1, h.StatusSubscribers())
	assert.Equal(t, 2, got[0].Data["attempt"])
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, conn2.getWritten())
}

func TestSubscribeFrameReplaysLastStatus(t *testing.T) {
	h := newTestHub(t)
	h.PublishStatus(types.StatusEvent{Type: types.StatusConnected, Timestamp: time.Now()})

	_, conn := registerClient(t, h, "late")
	conn.readCh <- types.Message{Channel: ChannelStatus, Event: EventSubscribe}

	got := conn.waitWritten(t, 1)
	assert.Equal(t, "connected", got[0].Event)
	assert.Contains(t, h.ClientInfo("late").Channels, ChannelStatus)
}

func TestSignalsAreForwardedToController(t *testing.T) {
	h := newTestHub(t)
	ctrl := &fakeController{}
	h.BindController(ctrl)
	_, conn := registerClient(t, h, "ui")

	conn.readCh <- types.Message{Channel: ChannelSignals, Event: SignalOffline}
	conn.readCh <- types.Message{Channel: ChannelSignals, Event: SignalOnline}
	conn.readCh <- types.Message{Channel: ChannelSignals, Event: SignalHidden}
	conn.readCh <- types.Message{Channel: ChannelSignals, Event: SignalVisible}

	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.visible) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false, true}, ctrl.online)
	assert.Equal(t, []bool{false, true}, ctrl.visible)
}

func TestUnknownSignalReportsError(t *testing.T) {
	h := newTestHub(t)
	h.BindController(&fakeController{})
	_, conn := registerClient(t, h, "ui")

	conn.readCh <- types.Message{Channel: ChannelSignals, Event: "sleepy"}
	got := conn.waitWritten(t, 1)
	assert.Equal(t, "error", got[0].Event)
}

func TestControlReconnectReplies(t *testing.T) {
	h := newTestHub(t)
	ctrl := &fakeController{}
	h.BindController(ctrl)
	_, conn := registerClient(t, h, "ui")

	conn.readCh <- types.Message{Channel: ChannelControl, Event: "reconnect"}
	got := conn.waitWritten(t, 1)
	assert.Equal(t, true, got[0].Data["started"])
	assert.Equal(t, 1, ctrl.manual)
}

func TestStatusIsRelayedButRemoteIsNot(t *testing.T) {
	h := newTestHub(t)
	relay := &fakeRelay{}
	h.SetRelay(relay)
	_, conn := registerClient(t, h, "c1")
	h.Subscribe(ChannelStatusRemote, "c1")

	h.PublishStatus(types.StatusEvent{Type: types.StatusOffline, Timestamp: time.Now()})
	require.Eventually(t, func() bool { return relay.count() == 1 }, time.Second, 5*time.Millisecond)

	h.BroadcastToLocal(types.Message{Channel: ChannelStatusRemote, Event: "connected"})
	conn.waitWritten(t, 1)
	assert.Equal(t, 1, relay.count())

	h.Publish("other", types.Message{Event: "x"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, relay.count())
}

func TestConnectionCallbacks(t *testing.T) {
	h := newTestHub(t)

	var mu sync.Mutex
	var connected, disconnected string
	connects := 0
	h.OnConnection(func(id string) { mu.Lock(); connected = id; mu.Unlock() })
	h.OnConnection(func(string) { mu.Lock(); connects++; mu.Unlock() })
	h.OnDisconnection(func(id string) { mu.Lock(); disconnected = id; mu.Unlock() })

	client, _ := registerClient(t, h, "cb-client")
	h.Unregister(client)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnected == "cb-client"
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "cb-client", connected)
	assert.Equal(t, 1, connects)
	mu.Unlock()
}

func TestStopIsIdempotentAndClosesClients(t *testing.T) {
	h := New(zerolog.Nop())
	go h.Run()
	client, conn := registerClient(t, h, "c1")

	h.Stop()
	h.Stop()
	assert.Zero(t, h.ClientCount())
	assert.False(t, client.enqueue(types.Message{}))
	h.Publish(ChannelStatus, types.Message{})
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, time.Second, 5*time.Millisecond)
}
