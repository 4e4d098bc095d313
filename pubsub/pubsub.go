// Package pubsub mirrors framework events onto topics that processes outside
// the application, or loosely coupled code inside it, can follow.
package pubsub

import (
	"context"
	"time"
)

// Message is one published event.
type Message struct {
	Topic   string    `json:"topic"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// NewMessage creates a message of the given type stamped with the current time.
func NewMessage(typ string, payload any) *Message {
	return &Message{Type: typ, Time: time.Now(), Payload: payload}
}

// PubSub defines the interface for a publish/subscribe system.
type PubSub interface {
	// Publish sends messages to the given topic.
	Publish(ctx context.Context, topic string, messages ...*Message) error

	// Subscribe creates a subscription to the given topic.
	// The handler is a function taking one argument or a channel. A
	// *Message argument or element receives the whole message; any other
	// type receives the payload, decoded into that type if it arrived
	// serialized.
	// Returns a unique subscription ID and an error if subscription fails.
	Subscribe(ctx context.Context, topic string, handler any, opts ...Option) (string, error)

	// Unsubscribe removes the subscription with the given ID.
	Unsubscribe(ctx context.Context, id string) error

	// Close shuts down the pub/sub system, cleaning up resources.
	Close() error
}
