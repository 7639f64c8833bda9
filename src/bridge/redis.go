package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RemoteChannel is the local channel relayed frames are delivered on.
const RemoteChannel = "status:remote"

// redisEnvelope tags a frame with its origin so an instance can skip its
// own publications.
type redisEnvelope struct {
	InstanceID string        `json:"instance_id"`
	Message    types.Message `json:"message"`
}

// RedisBridge relays connection status between instances over Redis pub/sub.
type RedisBridge struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	hub        BroadcastTarget
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisBridge creates a relay on client. The bridge owns client and
// closes it on Stop.
func NewRedisBridge(client redis.UniversalClient, prefix string, hub BroadcastTarget, logger zerolog.Logger) *RedisBridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBridge{
		client:     client,
		channel:    prefix + "status",
		instanceID: uuid.New().String(),
		hub:        hub,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID returns the id stamped on frames from this instance.
func (b *RedisBridge) InstanceID() string { return b.instanceID }

// Client returns the underlying Redis client so other checks can share it.
func (b *RedisBridge) Client() redis.UniversalClient { return b.client }

// Channel returns the Redis channel used for status frames.
func (b *RedisBridge) Channel() string { return b.channel }

// Start subscribes to the status channel and begins relaying.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}

	sub := b.client.Subscribe(b.ctx, b.channel)
	if _, err := sub.Receive(b.ctx); err != nil {
		_ = sub.Close()
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("channel", b.channel).
		Msg("status relay started")
	return nil
}

// Publish sends a local status frame to the other instances.
func (b *RedisBridge) Publish(msg types.Message) error {
	data, err := b.encode(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(b.ctx, b.channel, data).Err()
}

func (b *RedisBridge) encode(msg types.Message) ([]byte, error) {
	return json.Marshal(redisEnvelope{InstanceID: b.instanceID, Message: msg})
}

// Stop unsubscribes and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the relay is subscribed and running.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.relay(msg.Payload)
		case <-b.ctx.Done():
			return
		}
	}
}

// relay decodes an envelope and hands frames from other instances to the
// hub on RemoteChannel. It reports whether the frame was forwarded.
func (b *RedisBridge) relay(payload string) bool {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode relayed status")
		return false
	}
	if env.InstanceID == b.instanceID {
		return false
	}

	msg := env.Message
	msg.Channel = RemoteChannel
	if msg.Data == nil {
		msg.Data = make(map[string]any, 1)
	}
	msg.Data["instance_id"] = env.InstanceID

	b.logger.Debug().
		Str("from_instance", env.InstanceID).
		Str("status", msg.Event).
		Msg("relaying remote status")

	b.hub.BroadcastToLocal(msg)
	return true
}
