package pubsub

import "time"

// SubscriptionOptions holds configuration for a subscription.
type SubscriptionOptions struct {
	// MaxQueueSize is the number of undelivered messages the redis queue of
	// a topic may hold before Publish fails. 0 means no limit.
	// Only applicable for the redis implementation.
	MaxQueueSize int64
	// BlockTimeout bounds each BLPOP of the redis listener.
	// Only applicable for the redis implementation.
	BlockTimeout time.Duration
}

// Option is a function type used to configure subscriptions.
type Option func(*SubscriptionOptions)

// DefaultSubscriptionOptions returns the default options.
func DefaultSubscriptionOptions() *SubscriptionOptions {
	return &SubscriptionOptions{
		MaxQueueSize: 0,
		BlockTimeout: 5 * time.Second,
	}
}

// WithMaxQueueSize sets the maximum queue size for redis subscriptions.
func WithMaxQueueSize(size int64) Option {
	return func(o *SubscriptionOptions) {
		if size >= 0 {
			o.MaxQueueSize = size
		}
	}
}

// WithBlockTimeout sets how long the redis listener blocks per poll.
func WithBlockTimeout(d time.Duration) Option {
	return func(o *SubscriptionOptions) {
		if d > 0 {
			o.BlockTimeout = d
		}
	}
}

// Apply applies the options to the SubscriptionOptions struct.
func (o *SubscriptionOptions) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}
