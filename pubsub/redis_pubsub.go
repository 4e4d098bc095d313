package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	errRedisPubSubClosed = errors.New("pubsub: redis pubsub is closed")
	errQueueFull         = errors.New("pubsub: redis queue is full")
)

// DefaultKeyPrefix prefixes the redis list that queues each topic.
const DefaultKeyPrefix = "plug:events:"

// wireMessage is a Message as stored in redis. The payload is kept raw
// until a handler says what type it wants.
type wireMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// redisSubscription holds information specific to a Redis subscription
type redisSubscription struct {
	*Subscription                // Embed common Subscription fields
	redisClient   redis.Cmdable  // Redis client
	queueKey      string         // Redis list key for the topic
	stopChan      chan struct{}  // Channel to signal the listener goroutine to stop
	listenerWg    sync.WaitGroup // Waits for the listener goroutine to finish
}

// RedisPubSub implements the PubSub interface using Redis Lists. Each topic
// is one list, so subscribers of a topic compete for its messages: a
// message is handled by exactly one subscriber across all processes.
type RedisPubSub struct {
	redisClient redis.Cmdable
	keyPrefix   string
	mu          sync.RWMutex
	closed      bool
	subs        map[string]*redisSubscription // subID -> redisSubscription
}

// NewRedisPubSub creates a new Redis-based PubSub instance.
// It requires a redis.Cmdable interface (e.g., *redis.Client or *redis.ClusterClient).
func NewRedisPubSub(client redis.Cmdable, keyPrefix string) PubSub {
	if client == nil {
		panic("pubsub: redis client cannot be nil")
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisPubSub{
		redisClient: client,
		keyPrefix:   keyPrefix,
		subs:        make(map[string]*redisSubscription),
	}
}

// queueKey generates the Redis key for a topic's list.
func (r *RedisPubSub) queueKey(topic string) string {
	return r.keyPrefix + topic
}

// Publish appends messages to the Redis list for the topic, failing when
// the smallest MaxQueueSize of the topic's local subscribers is reached.
func (r *RedisPubSub) Publish(ctx context.Context, topic string, messages ...*Message) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return errRedisPubSubClosed
	}
	minQueueSize := int64(0) // 0 means no limit
	for _, sub := range r.subs {
		if sub.Topic == topic && sub.options.MaxQueueSize > 0 {
			if minQueueSize == 0 || sub.options.MaxQueueSize < minQueueSize {
				minQueueSize = sub.options.MaxQueueSize
			}
		}
	}
	r.mu.RUnlock() // Unlock before Redis command

	queueKey := r.queueKey(topic)
	if minQueueSize > 0 {
		currentLen, err := r.redisClient.LLen(ctx, queueKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			log.Error().Err(err).Str("topic", topic).Str("queue_key", queueKey).Msg("failed to get queue length")
			return fmt.Errorf("failed to check queue length: %w", err)
		}
		if currentLen+int64(len(messages)) > minQueueSize {
			log.Error().Str("topic", topic).Str("queue_key", queueKey).Int64("current_len", currentLen).Int64("max_size", minQueueSize).Msg("redis queue full")
			return errQueueFull
		}
	}

	// RPUSH with the listener's BLPOP keeps each topic FIFO.
	values := make([]any, 0, len(messages))
	for _, msg := range messages {
		if msg.Topic == "" {
			msg.Topic = topic
		}
		payloadBytes, err := json.Marshal(msg)
		if err != nil {
			log.Error().Err(err).Str("topic", topic).Str("type", msg.Type).Msg("failed to marshal message")
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		values = append(values, payloadBytes)
	}
	if len(values) == 0 {
		return nil
	}
	if err := r.redisClient.RPush(ctx, queueKey, values...).Err(); err != nil {
		log.Error().Err(err).Str("topic", topic).Str("queue_key", queueKey).Msg("failed to RPUSH message to redis")
		return fmt.Errorf("failed to push message to redis: %w", err)
	}
	return nil
}

// Subscribe creates a Redis subscription and starts its listener.
func (r *RedisPubSub) Subscribe(ctx context.Context, topic string, handler any, opts ...Option) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", errRedisPubSubClosed
	}

	baseSub, err := newSubscription(topic, handler, opts...)
	if err != nil {
		return "", err
	}

	queueKey := r.queueKey(topic)
	redisSub := &redisSubscription{
		Subscription: baseSub,
		redisClient:  r.redisClient,
		queueKey:     queueKey,
		stopChan:     make(chan struct{}),
	}
	r.subs[redisSub.ID] = redisSub

	redisSub.listenerWg.Add(1)
	go redisSub.listenLoop()

	log.Debug().Str("subscription_id", redisSub.ID).Str("topic", topic).Str("queue_key", queueKey).Msg("new redis subscription created")
	return redisSub.ID, nil
}

// Unsubscribe removes a Redis subscription and stops its listener.
func (r *RedisPubSub) Unsubscribe(ctx context.Context, id string) error {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if !ok {
		r.mu.Unlock()
		return nil // Already unsubscribed
	}
	delete(r.subs, id)
	r.mu.Unlock()

	sub.stop()
	log.Debug().Str("subscription_id", id).Str("topic", sub.Topic).Msg("redis subscription removed")
	return nil
}

// Close shuts down the RedisPubSub instance, stopping all listeners.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil // Already closed
	}
	r.closed = true
	subsToClose := make([]*redisSubscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subsToClose = append(subsToClose, sub)
	}
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	log.Info().Msg("redis pubsub closing...")
	for _, sub := range subsToClose {
		close(sub.stopChan)
	}
	for _, sub := range subsToClose {
		sub.listenerWg.Wait()
		if err := sub.Subscription.Close(); err != nil {
			log.Error().Err(err).Str("subscription_id", sub.ID).Msg("error closing subscription during pubsub close")
		}
	}
	log.Info().Msg("redis pubsub closed")
	return nil
}

// stop signals the listener, waits for it and closes the subscription.
func (rs *redisSubscription) stop() {
	close(rs.stopChan)
	rs.listenerWg.Wait()
	if err := rs.Subscription.Close(); err != nil {
		log.Error().Err(err).Str("subscription_id", rs.ID).Msg("error closing base subscription during unsubscribe")
	}
}

// listenLoop is the goroutine that continuously fetches messages from Redis.
func (rs *redisSubscription) listenLoop() {
	defer rs.listenerWg.Done()

	blockTimeout := rs.options.BlockTimeout
	log.Debug().Str("subscription_id", rs.ID).Str("queue_key", rs.queueKey).Msg("starting redis listener loop")

	for {
		select {
		case <-rs.stopChan:
			log.Debug().Str("subscription_id", rs.ID).Str("queue_key", rs.queueKey).Msg("stopping redis listener loop")
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), blockTimeout+time.Second)
		result, err := rs.redisClient.BLPop(ctx, blockTimeout, rs.queueKey).Result()
		cancel()

		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			select {
			case <-rs.stopChan:
				return
			default:
			}
			log.Error().Err(err).Str("subscription_id", rs.ID).Str("queue_key", rs.queueKey).Msg("redis BLPOP error")
			time.Sleep(time.Second) // Simple backoff
			continue
		}

		// result should be []string{queueKey, messageData}
		if len(result) != 2 {
			log.Error().Str("subscription_id", rs.ID).Str("queue_key", rs.queueKey).Int("result_len", len(result)).Msg("invalid result format from BLPOP")
			continue
		}

		var wire wireMessage
		if err := json.Unmarshal([]byte(result[1]), &wire); err != nil {
			log.Error().Err(err).Str("subscription_id", rs.ID).Str("queue_key", rs.queueKey).Msg("failed to unmarshal message from redis")
			continue
		}
		msg := &Message{Topic: wire.Topic, Type: wire.Type, Time: wire.Time}
		if len(wire.Payload) > 0 && string(wire.Payload) != "null" {
			msg.Payload = wire.Payload
		}

		if err := rs.Subscription.deliver(context.Background(), msg); err != nil && !errors.Is(err, errSubscriptionClosed) {
			log.Error().Err(err).Str("subscription_id", rs.ID).Str("topic", rs.Topic).Msg("failed to deliver message from redis")
		}
	}
}

// Ensure RedisPubSub implements PubSub interface
var _ PubSub = (*RedisPubSub)(nil)
