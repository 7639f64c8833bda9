package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/src/registry"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Subscriber registers channel specs that survive reconnections.
type Subscriber interface {
	SubscribeSpec(spec registry.Spec) func()
}

// Subscription is one caller-owned change feed. Each subscription owns
// exactly one registry entry.
type Subscription struct {
	ID        string       `json:"id"`
	OwnerID   string       `json:"owner_id"`
	Category  string       `json:"category"`
	Channel   string       `json:"channel"`
	Filter    types.Filter `json:"filter"`
	CreatedAt time.Time    `json:"created_at"`

	stop func()
}

// Change is a decoded change event.
type Change[T any] struct {
	Event           string
	Table           string
	New             *T
	Old             *T
	CommitTimestamp time.Time
}

// Service provides the high-level realtime data API.
type Service struct {
	subscriber Subscriber
	logger     zerolog.Logger

	mu      sync.RWMutex
	subs    map[string]*Subscription
	byOwner map[string]map[string]bool
}

// New creates a new realtime data service on top of s.
func New(s Subscriber, logger zerolog.Logger) *Service {
	return &Service{
		subscriber: s,
		logger:     logger.With().Str("component", "data-service").Logger(),
		subs:       make(map[string]*Subscription),
		byOwner:    make(map[string]map[string]bool),
	}
}

// ChannelName builds the registry name of a subscription.
func ChannelName(category, ownerID, id string) string {
	return category + ":" + ownerID + ":" + id
}

// Subscribe opens a change feed for ownerID. Transport failures are not
// returned; the feed is replayed by the resilience layer.
func (s *Service) Subscribe(ownerID, category string, filter types.Filter, handler types.ChangeHandler) (*Subscription, error) {
	if ownerID == "" || category == "" {
		return nil, fmt.Errorf("%w: owner and category are required", types.ErrInvalidSubscription)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", types.ErrInvalidSubscription)
	}
	if filter.Table == "" {
		filter.Table = category
	}

	id := uuid.New().String()
	sub := &Subscription{
		ID:        id,
		OwnerID:   ownerID,
		Category:  category,
		Channel:   ChannelName(category, ownerID, id),
		Filter:    filter,
		CreatedAt: time.Now(),
	}

	// Tracked before the registry entry exists so a concurrent owner
	// teardown sees it; the entry is released below if that happened.
	s.mu.Lock()
	s.subs[id] = sub
	if s.byOwner[ownerID] == nil {
		s.byOwner[ownerID] = make(map[string]bool)
	}
	s.byOwner[ownerID][id] = true
	s.mu.Unlock()

	stop := s.subscriber.SubscribeSpec(registry.Spec{
		Name: sub.Channel,
		Setup: func(h types.Handle) error {
			h.On("postgres_changes", filter, handler)
			return nil
		},
	})

	s.mu.Lock()
	_, tracked := s.subs[id]
	if tracked {
		sub.stop = stop
	}
	s.mu.Unlock()
	if !tracked {
		stop()
		s.logger.Debug().Str("subscription_id", id).Msg("torn down while subscribing")
		return sub, nil
	}

	s.logger.Debug().
		Str("owner_id", ownerID).
		Str("category", category).
		Str("subscription_id", id).
		Msg("subscribed")
	return sub, nil
}

// Watch is Subscribe with records decoded into T. Records that fail to
// decode are logged and skipped.
func Watch[T any](s *Service, ownerID, category string, filter types.Filter, fn func(Change[T])) (*Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: handler is required", types.ErrInvalidSubscription)
	}
	return s.Subscribe(ownerID, category, filter, func(c types.Change) {
		out := Change[T]{Event: c.Event, Table: c.Table, CommitTimestamp: c.CommitTimestamp}
		var err error
		if out.New, err = decode[T](c.Record); err != nil {
			s.logger.Warn().Err(err).Str("table", c.Table).Msg("undecodable record")
			return
		}
		if out.Old, err = decode[T](c.OldRecord); err != nil {
			s.logger.Warn().Err(err).Str("table", c.Table).Msg("undecodable old record")
			return
		}
		fn(out)
	})
}

func decode[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Unsubscribe tears one subscription down.
func (s *Service) Unsubscribe(id string) error {
	s.mu.Lock()
	sub, ok := s.subs[id]
	var stop func()
	if ok {
		stop = s.forgetLocked(sub)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: subscription %s not found", types.ErrInvalidSubscription, id)
	}
	if stop != nil {
		stop()
	}
	s.logger.Debug().Str("subscription_id", id).Msg("unsubscribed")
	return nil
}

// UnsubscribeOwner tears down every subscription of ownerID, e.g. on sign-out,
// and returns how many were removed.
func (s *Service) UnsubscribeOwner(ownerID string) int {
	s.mu.Lock()
	var subs []*Subscription
	for id := range s.byOwner[ownerID] {
		if sub := s.subs[id]; sub != nil {
			subs = append(subs, sub)
		}
	}
	stops := make([]func(), 0, len(subs))
	for _, sub := range subs {
		stops = append(stops, s.forgetLocked(sub))
	}
	s.mu.Unlock()

	runStops(stops)
	if len(subs) > 0 {
		s.logger.Info().Str("owner_id", ownerID).Int("count", len(subs)).Msg("owner subscriptions removed")
	}
	return len(subs)
}

// UnsubscribeAll tears down every subscription and returns the count.
func (s *Service) UnsubscribeAll() int {
	s.mu.Lock()
	stops := make([]func(), 0, len(s.subs))
	for _, sub := range s.subs {
		stops = append(stops, sub.stop)
		sub.stop = nil
	}
	s.subs = make(map[string]*Subscription)
	s.byOwner = make(map[string]map[string]bool)
	s.mu.Unlock()

	runStops(stops)
	return len(stops)
}

// forgetLocked untracks sub and hands back its stop func, nil when the
// registry entry is still being created.
func (s *Service) forgetLocked(sub *Subscription) func() {
	stop := sub.stop
	sub.stop = nil
	delete(s.subs, sub.ID)
	if owned := s.byOwner[sub.OwnerID]; owned != nil {
		delete(owned, sub.ID)
		if len(owned) == 0 {
			delete(s.byOwner, sub.OwnerID)
		}
	}
	return stop
}

func runStops(stops []func()) {
	for _, stop := range stops {
		if stop != nil {
			stop()
		}
	}
}

// Subscriptions returns copies of ownerID's subscriptions, oldest first.
// An empty ownerID returns every subscription.
func (s *Service) Subscriptions(ownerID string) []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if ownerID != "" && sub.OwnerID != ownerID {
			continue
		}
		cp := *sub
		cp.stop = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Owners returns the number of owners with at least one subscription.
func (s *Service) Owners() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byOwner)
}
