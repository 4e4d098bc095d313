package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	errInvalidHandler     = errors.New("pubsub: handler must be a function or a channel")
	errHandlerArgs        = errors.New("pubsub: handler function signature mismatch")
	errChanTypeMismatch   = errors.New("pubsub: channel type mismatch")
	errSubscriptionClosed = errors.New("pubsub: subscription is closed")
)

var messageType = reflect.TypeFor[*Message]()

// handlerType identifies the type of the subscription handler.
type handlerType int

const (
	handlerTypeInvalid handlerType = iota
	handlerTypeFunc
	handlerTypeChan
)

// Subscription represents a single subscription to a topic.
type Subscription struct {
	ID      string
	Topic   string
	options *SubscriptionOptions
	mu      sync.RWMutex
	closed  bool

	handlerType handlerType
	handler     reflect.Value // function or channel
	argType     reflect.Type  // function argument or channel element type
}

// newSubscription creates a new subscription instance.
// It validates the handler and prepares it for message delivery.
func newSubscription(topic string, handler any, opts ...Option) (*Subscription, error) {
	options := DefaultSubscriptionOptions()
	options.Apply(opts...)

	s := &Subscription{
		ID:      uuid.NewString(),
		Topic:   topic,
		options: options,
	}
	if handler == nil {
		return nil, errInvalidHandler
	}

	handlerVal := reflect.ValueOf(handler)
	handlerTyp := handlerVal.Type()

	switch handlerTyp.Kind() {
	case reflect.Func:
		if handlerVal.IsNil() || handlerTyp.NumIn() != 1 || handlerTyp.IsVariadic() {
			return nil, fmt.Errorf("%w: want func(T), got %s", errHandlerArgs, handlerTyp)
		}
		s.handlerType = handlerTypeFunc
		s.argType = handlerTyp.In(0)

	case reflect.Chan:
		if handlerVal.IsNil() || handlerTyp.ChanDir()&reflect.SendDir == 0 {
			return nil, errors.New("pubsub: channel must be sendable (chan<- T or chan T)")
		}
		s.handlerType = handlerTypeChan
		s.argType = handlerTyp.Elem()

	default:
		return nil, errInvalidHandler
	}
	s.handler = handlerVal

	return s, nil
}

// argument converts msg to what the handler takes. Payloads that arrived
// serialized are decoded into the handler's type.
func (s *Subscription) argument(msg *Message) (reflect.Value, error) {
	if s.argType == messageType {
		return reflect.ValueOf(msg), nil
	}
	if msg == nil || msg.Payload == nil {
		return reflect.Zero(s.argType), nil
	}

	if raw, ok := msg.Payload.(json.RawMessage); ok {
		ptr := reflect.New(s.argType)
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("%w: cannot decode payload into %s: %w", errHandlerArgs, s.argType, err)
		}
		return ptr.Elem(), nil
	}

	payloadVal := reflect.ValueOf(msg.Payload)
	if !payloadVal.Type().AssignableTo(s.argType) {
		log.Error().Str("subscription_id", s.ID).Str("topic", s.Topic).Str("expected", s.argType.String()).Str("got", payloadVal.Type().String()).Msg("handler argument type mismatch")
		if s.handlerType == handlerTypeChan {
			return reflect.Value{}, errChanTypeMismatch
		}
		return reflect.Value{}, errHandlerArgs
	}
	return payloadVal, nil
}

// deliver hands msg to the subscription's handler. Function handlers are
// called on the caller's goroutine; channel sends block until received or
// ctx is done.
func (s *Subscription) deliver(ctx context.Context, msg *Message) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errSubscriptionClosed
	}
	htype, handler := s.handlerType, s.handler
	s.mu.RUnlock()

	arg, err := s.argument(msg)
	if err != nil {
		return err
	}

	switch htype {
	case handlerTypeFunc:
		handler.Call([]reflect.Value{arg})
		return nil
	case handlerTypeChan:
		chosen, _, _ := reflect.Select([]reflect.SelectCase{
			{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
			{Dir: reflect.SelectSend, Chan: handler, Send: arg},
		})
		if chosen == 0 {
			return ctx.Err()
		}
		return nil
	default:
		return errInvalidHandler
	}
}

// Close cleans up the subscription resources.
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	// Clear handler references to allow GC
	s.handler = reflect.Value{}

	log.Debug().Str("subscription_id", s.ID).Str("topic", s.Topic).Msg("subscription closed")
	return nil
}
