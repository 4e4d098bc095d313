package pubsub

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	errMemoryPubSubClosed = errors.New("pubsub: memory pubsub is closed")
)

// MemoryPubSub implements the PubSub interface in process. Delivery is
// synchronous: Publish returns after every subscriber of the topic has
// handled every message, subscribers being called in subscription order.
type MemoryPubSub struct {
	mu     sync.RWMutex
	closed bool
	topics map[string][]*Subscription // topic -> subscriptions in subscription order
	subs   map[string]*Subscription   // subID -> Subscription (for fast unsubscribe)
}

// NewMemoryPubSub creates a new in-memory PubSub instance.
func NewMemoryPubSub() PubSub {
	return &MemoryPubSub{
		topics: make(map[string][]*Subscription),
		subs:   make(map[string]*Subscription),
	}
}

// Publish delivers messages to the topic's subscribers. A failing
// subscriber does not stop delivery to the others; the first error is
// returned.
func (m *MemoryPubSub) Publish(ctx context.Context, topic string, messages ...*Message) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errMemoryPubSubClosed
	}
	// Snapshot so handlers may subscribe or unsubscribe while being called
	subsToDeliver := slices.Clone(m.topics[topic])
	m.mu.RUnlock()

	var firstErr error
	for _, msg := range messages {
		if msg.Topic == "" {
			msg.Topic = topic
		}
		for _, sub := range subsToDeliver {
			err := sub.deliver(ctx, msg)
			if err == nil || errors.Is(err, errSubscriptionClosed) {
				continue
			}
			log.Error().Err(err).Str("subscription_id", sub.ID).Str("topic", topic).Msg("failed to deliver message")
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return firstErr
}

// Subscribe creates a new subscription.
func (m *MemoryPubSub) Subscribe(ctx context.Context, topic string, handler any, opts ...Option) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", errMemoryPubSubClosed
	}

	sub, err := newSubscription(topic, handler, opts...)
	if err != nil {
		return "", err
	}
	m.topics[topic] = append(m.topics[topic], sub)
	m.subs[sub.ID] = sub

	log.Debug().Str("subscription_id", sub.ID).Str("topic", topic).Msg("new subscription created")
	return sub.ID, nil
}

// Unsubscribe removes a subscription.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return nil // Subscription already gone
	}
	delete(m.subs, id)

	topicSubs := slices.DeleteFunc(slices.Clone(m.topics[sub.Topic]), func(s *Subscription) bool { return s.ID == id })
	if len(topicSubs) == 0 {
		delete(m.topics, sub.Topic)
	} else {
		m.topics[sub.Topic] = topicSubs
	}
	m.mu.Unlock()

	if err := sub.Close(); err != nil {
		log.Error().Err(err).Str("subscription_id", id).Msg("error closing subscription during unsubscribe")
	}
	log.Debug().Str("subscription_id", id).Str("topic", sub.Topic).Msg("subscription removed")
	return nil
}

// Close shuts down the MemoryPubSub instance.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil // Already closed
	}
	m.closed = true
	subsToClose := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subsToClose = append(subsToClose, sub)
	}
	m.topics = make(map[string][]*Subscription)
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, sub := range subsToClose {
		if err := sub.Close(); err != nil {
			log.Error().Err(err).Str("subscription_id", sub.ID).Msg("error closing subscription during pubsub close")
		}
	}
	log.Info().Msg("memory pubsub closed")
	return nil
}

// Ensure MemoryPubSub implements PubSub interface
var _ PubSub = (*MemoryPubSub)(nil)
