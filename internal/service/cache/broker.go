package cache

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

// Event is one delivery on a subscription: either a chunk or the terminal status.
type Event struct {
	Chunk  stream.Chunk
	Status stream.Status
	Final  bool
}

// Subscription is a per-process registration for live updates of one session.
// Its channel is closed after the final event, on Unsubscribe, or when the
// subscriber falls too far behind.
type Subscription struct {
	id     string
	convID string
	broker *Broker

	mu     sync.Mutex
	events chan Event
	closed bool
	lagged bool
}

func newInertSubscription(convID string) *Subscription {
	events := make(chan Event)
	close(events)
	return &Subscription{id: uuid.NewString(), convID: convID, events: events, closed: true}
}

func (s *Subscription) ID() string             { return s.id }
func (s *Subscription) ConversationID() string { return s.convID }
func (s *Subscription) Events() <-chan Event   { return s.events }

// Lagged reports whether the subscription was dropped for not keeping up.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Unsubscribe deregisters the subscription. No event is delivered after it returns.
// Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
	if s.broker != nil {
		s.broker.remove(s)
	}
}

func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.lagged = true
		s.closeLocked()
		log.Warn().
			Str("component", "broker").
			Str("conversation_id", s.convID).
			Str("subscription_id", s.id).
			Msg("subscriber buffer full, dropping subscription")
		return false
	}
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Broker is the local subscriber registry. It never touches session data.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[string]*Subscription
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broker{subs: make(map[string]map[string]*Subscription), buffer: buffer}
}

// Subscribe registers a new subscription for convID.
func (b *Broker) Subscribe(convID string) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		convID: convID,
		broker: b,
		events: make(chan Event, b.buffer),
	}
	b.mu.Lock()
	set, ok := b.subs[convID]
	if !ok {
		set = make(map[string]*Subscription)
		b.subs[convID] = set
	}
	set[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Publish fans a chunk out to every live subscription of convID and returns how
// many received it. Closed or lagging subscriptions are dropped.
func (b *Broker) Publish(convID string, chunk stream.Chunk) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[convID]
	delivered := 0
	for id, sub := range set {
		if sub.deliver(Event{Chunk: chunk}) {
			delivered++
			continue
		}
		delete(set, id)
	}
	if len(set) == 0 {
		delete(b.subs, convID)
	}
	return delivered
}

// Complete delivers the terminal status once and clears the local subscriber set.
func (b *Broker) Complete(convID string, status stream.Status) int {
	b.mu.Lock()
	set := b.subs[convID]
	delete(b.subs, convID)
	b.mu.Unlock()

	notified := 0
	for _, sub := range set {
		if sub.deliver(Event{Status: status, Final: true}) {
			notified++
		}
		sub.mu.Lock()
		sub.closeLocked()
		sub.mu.Unlock()
	}
	return notified
}

// Drop closes every subscription of convID without a terminal event.
func (b *Broker) Drop(convID string) {
	b.mu.Lock()
	set := b.subs[convID]
	delete(b.subs, convID)
	b.mu.Unlock()
	for _, sub := range set {
		sub.mu.Lock()
		sub.closeLocked()
		sub.mu.Unlock()
	}
}

// Count returns the number of live local subscriptions for convID.
func (b *Broker) Count(convID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[convID])
}

// Close drops every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string]map[string]*Subscription)
	b.mu.Unlock()
	for _, set := range all {
		for _, sub := range set {
			sub.mu.Lock()
			sub.closeLocked()
			sub.mu.Unlock()
		}
	}
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.convID]
	if !ok {
		return
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(b.subs, sub.convID)
	}
}
