// Package phoenix implements types.Transport over a Phoenix channels
// websocket, as spoken by Supabase Realtime.
package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// ErrJoinTimeout is reported when the server does not answer a join in time.
var ErrJoinTimeout = errors.New("phoenix: join timed out")

// TokenSource supplies the access token sent with every join.
type TokenSource interface {
	AccessToken() string
}

// Config configures the socket connection.
type Config struct {
	// URL is either the project HTTP(S) base URL or a full ws(s) socket URL.
	URL               string
	APIKey            string
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
}

// envelope is a Phoenix V1 JSON frame.
type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type systemPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type changesPayload struct {
	Data types.Change `json:"data"`
}

// Client is a single multiplexed socket shared by every channel.
type Client struct {
	cfg    Config
	tokens TokenSource
	logger zerolog.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	connDone chan struct{}
	channels map[string]*channel // by join ref
	ref      uint64
	closed   bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a client. The socket is dialled lazily by CreateChannel.
// tokens may be nil.
func New(cfg Config, tokens TokenSource, logger zerolog.Logger) *Client {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		tokens:   tokens,
		logger:   logger.With().Str("component", "phoenix").Logger(),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		channels: make(map[string]*channel),
	}
}

// SocketURL converts the configured URL into the websocket endpoint.
func SocketURL(raw, apiKey string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	}
	q := u.Query()
	if apiKey != "" && q.Get("apikey") == "" {
		q.Set("apikey", apiKey)
	}
	if q.Get("vsn") == "" {
		q.Set("vsn", "1.0.0")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Topic returns the Phoenix topic for a channel name.
func Topic(name string) string {
	return "realtime:" + name
}

// CreateChannel implements types.Transport. It dials the socket if it is
// not connected.
func (c *Client) CreateChannel(name string, cfg types.ChannelConfig) (types.Handle, error) {
	if err := c.Connect(context.Background()); err != nil {
		return nil, err
	}
	return &channel{client: c, name: name, topic: Topic(name), cfg: cfg}, nil
}

// Connect dials the socket unless it is already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.ErrNotConnected
	}
	if c.conn != nil {
		return nil
	}

	wsURL, err := SocketURL(c.cfg.URL, c.cfg.APIKey)
	if err != nil {
		return err
	}
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = conn
	c.connDone = make(chan struct{})
	c.wg.Add(2)
	go c.readLoop(conn)
	go c.heartbeat(conn, c.connDone)

	c.logger.Info().Msg("realtime socket connected")
	return nil
}

// Connected reports whether the socket is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close shuts the socket down. Joined channels report a normal closure.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	chans := c.takeChannelsLocked()
	c.dropLocked(conn)
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	for _, ch := range chans {
		ch.finish(types.ChannelClosed, nil)
	}
	c.wg.Wait()
	return err
}

func (c *Client) nextRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ref++
	return strconv.FormatUint(c.ref, 10)
}

func (c *Client) send(msg envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return types.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Event, err)
	}
	return nil
}

func (c *Client) register(ch *channel, joinRef string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[joinRef] = ch
}

func (c *Client) unregister(ch *channel, joinRef string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[joinRef] == ch {
		delete(c.channels, joinRef)
	}
}

func (c *Client) byTopic(topic, joinRef string) []*channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*channel
	for ref, ch := range c.channels {
		if ch.topic != topic {
			continue
		}
		if joinRef != "" && ref != joinRef {
			continue
		}
		out = append(out, ch)
	}
	return out
}

func (c *Client) takeChannelsLocked() []*channel {
	out := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	c.channels = make(map[string]*channel)
	return out
}

// dropLocked forgets conn if it is current. c.mu must be held.
func (c *Client) dropLocked(conn *websocket.Conn) bool {
	if conn == nil || c.conn != conn {
		return false
	}
	c.conn = nil
	close(c.connDone)
	c.connDone = nil
	return true
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var msg envelope
		if err := conn.ReadJSON(&msg); err != nil {
			c.lost(conn, err)
			return
		}
		c.dispatch(msg)
	}
}

// lost handles a dead socket: every joined channel reports an error and the
// next CreateChannel redials.
func (c *Client) lost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	current := c.dropLocked(conn)
	var chans []*channel
	if current {
		chans = c.takeChannelsLocked()
	}
	c.mu.Unlock()
	_ = conn.Close()

	if !current {
		return
	}
	c.logger.Warn().Err(cause).Int("channels", len(chans)).Msg("realtime socket lost")
	err := fmt.Errorf("%w: %v", types.ErrNotConnected, cause)
	for _, ch := range chans {
		ch.finish(types.ChannelError, err)
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ref := c.nextRef()
			err := c.send(envelope{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: &ref})
			if err != nil {
				c.logger.Warn().Err(err).Msg("heartbeat write failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) dispatch(msg envelope) {
	joinRef := ""
	if msg.JoinRef != nil {
		joinRef = *msg.JoinRef
	}

	switch msg.Event {
	case "phx_reply":
		if msg.Topic == "phoenix" || msg.Ref == nil {
			return
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			c.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("malformed reply")
			return
		}
		c.mu.Lock()
		ch := c.channels[*msg.Ref]
		c.mu.Unlock()
		if ch == nil || ch.topic != msg.Topic {
			return
		}
		if reply.Status == "ok" {
			ch.joined()
			return
		}
		ch.finish(types.ChannelError, fmt.Errorf("join %s rejected: %s", ch.name, strings.TrimSpace(string(reply.Response))))

	case "phx_error":
		for _, ch := range c.byTopic(msg.Topic, joinRef) {
			ch.finish(types.ChannelError, fmt.Errorf("channel %s errored", ch.name))
		}

	case "phx_close":
		for _, ch := range c.byTopic(msg.Topic, joinRef) {
			ch.finish(types.ChannelClosed, types.ErrChannelClosed)
		}

	case "system":
		var sys systemPayload
		if err := json.Unmarshal(msg.Payload, &sys); err != nil || sys.Status != "error" {
			return
		}
		for _, ch := range c.byTopic(msg.Topic, joinRef) {
			ch.finish(types.ChannelError, fmt.Errorf("channel %s: %s", ch.name, sys.Message))
		}

	case "postgres_changes":
		var p changesPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("malformed change")
			return
		}
		for _, ch := range c.byTopic(msg.Topic, joinRef) {
			ch.deliver(p.Data)
		}
	}
}

func (c *Client) accessToken() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.AccessToken()
}
