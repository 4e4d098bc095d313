package extension

import (
	"fmt"
	"weak"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Listener receives change events for extension points.
type Listener interface {
	ExtensionPointChanged(r Registry, ev ChangeEvent)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(r Registry, ev ChangeEvent)

// ExtensionPointChanged calls f(r, ev).
func (f ListenerFunc) ExtensionPointChanged(r Registry, ev ChangeEvent) { f(r, ev) }

// Expirer is implemented by listeners that can outlive their target.
// Expired listeners are skipped and their subscriptions dropped.
type Expirer interface {
	Expired() bool
}

type weakListener[T any] struct {
	target weak.Pointer[T]
	fn     func(target *T, r Registry, ev ChangeEvent)
}

// Weak returns a listener that does not keep target alive. Once target has
// been collected the listener goes inert and is pruned on the next dispatch.
func Weak[T any](target *T, fn func(target *T, r Registry, ev ChangeEvent)) Listener {
	return &weakListener[T]{target: weak.Make(target), fn: fn}
}

func (l *weakListener[T]) ExtensionPointChanged(r Registry, ev ChangeEvent) {
	if t := l.target.Value(); t != nil {
		l.fn(t, r, ev)
	}
}

func (l *weakListener[T]) Expired() bool { return l.target.Value() == nil }

type subscription struct {
	id       string
	pointID  string // empty subscribes to every point
	listener Listener
}

// listenerSet holds subscriptions in subscription order.
type listenerSet struct {
	subs []subscription
}

func (s *listenerSet) add(l Listener, pointID string) string {
	id := uuid.NewString()
	s.subs = append(s.subs, subscription{id: id, pointID: pointID, listener: l})
	log.Debug().Str("subscription_id", id).Str("extension_point", pointID).Msg("extension point listener added")
	return id
}

func (s *listenerSet) remove(id string) error {
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrListenerNotFound, id)
}

// fire calls listeners for ev's point, then wildcard listeners. The set is
// snapshotted first, so listeners added during dispatch miss this event.
func (s *listenerSet) fire(r Registry, ev ChangeEvent) {
	snapshot := append([]subscription(nil), s.subs...)

	var expired []string
	dispatch := func(pointID string) {
		for _, sub := range snapshot {
			if sub.pointID != pointID {
				continue
			}
			if e, ok := sub.listener.(Expirer); ok && e.Expired() {
				expired = append(expired, sub.id)
				continue
			}
			sub.listener.ExtensionPointChanged(r, ev)
		}
	}
	dispatch(ev.ExtensionPointID)
	dispatch("")

	for _, id := range expired {
		if s.remove(id) == nil {
			log.Debug().Str("subscription_id", id).Msg("pruned expired extension point listener")
		}
	}
}
