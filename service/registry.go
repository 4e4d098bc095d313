// Package service provides the service registry plugins publish objects
// through, and the core plugin that turns service offers into services.
package service

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Predefined errors for the service registry.
var (
	ErrNoSuchService     = errors.New("no such service")
	ErrServiceNotFound   = errors.New("no service with id")
	ErrInvalidProtocol   = errors.New("service protocol must not be empty")
	ErrNilService        = errors.New("service must not be nil")
	ErrInvalidQuery      = errors.New("invalid service query")
	ErrHandlerNotFound   = errors.New("service event handler not found")
	ErrFactoryFailed     = errors.New("service factory failed")
	ErrUnexpectedService = errors.New("service does not have the requested type")
)

// Factory creates a service on first lookup. It receives the properties the
// service was registered with.
type Factory func(properties map[string]any) (any, error)

// EventType identifies a registry event.
type EventType int

// Registry events.
const (
	EventRegistered EventType = iota
	EventUnregistered
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventUnregistered:
		return "unregistered"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is delivered to registry handlers after the change is made.
type Event struct {
	Type      EventType
	ServiceID int
	Protocol  string
}

// Handler receives registry events.
type Handler func(ev Event)

type entry struct {
	protocol   string
	obj        any
	factory    Factory
	properties map[string]any
}

type subscriber struct {
	id string
	h  Handler
}

// Registry holds services by protocol. Ids are assigned in registration
// order starting at 1 and are never reused.
//
// Registry is safe for concurrent use. Factories and handlers run without
// the registry lock held.
type Registry struct {
	mu       sync.RWMutex
	lastID   int
	services map[int]*entry
	handlers []subscriber
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[int]*entry)}
}

// ProtocolOf returns the protocol name of T: "<package path>.<type name>"
// for named types, the type's string otherwise. Pointers are unwrapped.
func ProtocolOf[T any]() string {
	return protocolName(reflect.TypeFor[T]())
}

func protocolName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// RegisterService publishes obj under protocol. When obj is a Factory the
// service is created from properties the first time it is looked up.
func (r *Registry) RegisterService(protocol string, obj any, properties map[string]any) (int, error) {
	if protocol == "" {
		return 0, ErrInvalidProtocol
	}
	if obj == nil {
		return 0, fmt.Errorf("%w: protocol %s", ErrNilService, protocol)
	}

	e := &entry{protocol: protocol, properties: maps.Clone(properties)}
	if e.properties == nil {
		e.properties = make(map[string]any)
	}
	switch f := obj.(type) {
	case Factory:
		e.factory = f
	case func(map[string]any) (any, error):
		e.factory = f
	default:
		e.obj = obj
	}

	r.mu.Lock()
	r.lastID++
	id := r.lastID
	r.services[id] = e
	r.mu.Unlock()

	log.Debug().Int("service_id", id).Str("protocol", protocol).Bool("factory", e.factory != nil).Msg("service registered")
	r.notify(Event{Type: EventRegistered, ServiceID: id, Protocol: protocol})
	return id, nil
}

// UnregisterService withdraws the service registered under id.
func (r *Registry) UnregisterService(id int) error {
	r.mu.Lock()
	e, ok := r.services[id]
	if ok {
		delete(r.services, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w <%d>", ErrServiceNotFound, id)
	}
	log.Debug().Int("service_id", id).Str("protocol", e.protocol).Msg("service unregistered")
	r.notify(Event{Type: EventUnregistered, ServiceID: id, Protocol: e.protocol})
	return nil
}

// GetServiceFromID returns the service registered under id, creating it if
// it was registered as a factory.
func (r *Registry) GetServiceFromID(id int) (any, error) {
	r.mu.RLock()
	e, ok := r.services[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w <%d>", ErrServiceNotFound, id)
	}
	return r.resolve(id, e)
}

// GetServiceProperties returns a copy of the properties of service id.
func (r *Registry) GetServiceProperties(id int) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.services[id]
	if !ok {
		return nil, fmt.Errorf("%w <%d>", ErrServiceNotFound, id)
	}
	return maps.Clone(e.properties), nil
}

// SetServiceProperties replaces the properties of service id.
func (r *Registry) SetServiceProperties(id int, properties map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[id]
	if !ok {
		return fmt.Errorf("%w <%d>", ErrServiceNotFound, id)
	}
	e.properties = maps.Clone(properties)
	if e.properties == nil {
		e.properties = make(map[string]any)
	}
	return nil
}

// GetServices returns every service registered under protocol that matches
// the lookup options, in registration order unless an ordering is requested.
func (r *Registry) GetServices(protocol string, opts ...LookupOption) ([]any, error) {
	o := newLookupOptions(opts...)
	q, err := compileQuery(o.query)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		id int
		e  *entry
	}
	r.mu.RLock()
	var candidates []candidate
	for id, e := range r.services {
		if e.protocol == protocol {
			candidates = append(candidates, candidate{id: id, e: e})
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(candidates, func(a, b candidate) int { return a.id - b.id })

	var matched []match
	for _, c := range candidates {
		props := r.propertiesOf(c.e)
		if !q.matches(props) {
			continue
		}
		obj, err := r.resolve(c.id, c.e)
		if err != nil {
			return nil, err
		}
		matched = append(matched, match{obj: obj, properties: props})
	}

	order(matched, o)
	out := make([]any, len(matched))
	for i, m := range matched {
		out[i] = m.obj
	}
	return out, nil
}

// GetService returns the first service GetServices would return, or nil.
func (r *Registry) GetService(protocol string, opts ...LookupOption) (any, error) {
	services, err := r.GetServices(protocol, opts...)
	if err != nil || len(services) == 0 {
		return nil, err
	}
	return services[0], nil
}

// GetRequiredService is like GetService but fails with ErrNoSuchService
// when nothing matches.
func (r *Registry) GetRequiredService(protocol string, opts ...LookupOption) (any, error) {
	svc, err := r.GetService(protocol, opts...)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchService, protocol)
	}
	return svc, nil
}

// Get looks up a service of type T under ProtocolOf[T]. The boolean is
// false when no service matches.
func Get[T any](r *Registry, opts ...LookupOption) (T, bool, error) {
	var zero T
	protocol := ProtocolOf[T]()
	svc, err := r.GetService(protocol, opts...)
	if err != nil || svc == nil {
		return zero, false, err
	}
	t, ok := svc.(T)
	if !ok {
		return zero, false, fmt.Errorf("%w: %s is %T", ErrUnexpectedService, protocol, svc)
	}
	return t, true, nil
}

// Subscribe registers h for registry events and returns its subscription id.
func (r *Registry) Subscribe(h Handler) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.handlers = append(r.handlers, subscriber{id: id, h: h})
	r.mu.Unlock()
	return id
}

// Unsubscribe removes the handler registered under id.
func (r *Registry) Unsubscribe(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.IndexFunc(r.handlers, func(s subscriber) bool { return s.id == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, id)
	}
	r.handlers = slices.Delete(r.handlers, i, i+1)
	return nil
}

func (r *Registry) notify(ev Event) {
	r.mu.RLock()
	handlers := slices.Clone(r.handlers)
	r.mu.RUnlock()
	for _, s := range handlers {
		s.h(ev)
	}
}

func (r *Registry) propertiesOf(e *entry) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(e.properties)
}

// resolve returns the service held by e, running its factory if needed.
// The first result to be stored wins if two lookups race on one factory.
func (r *Registry) resolve(id int, e *entry) (any, error) {
	r.mu.RLock()
	obj, factory, props := e.obj, e.factory, maps.Clone(e.properties)
	r.mu.RUnlock()
	if factory == nil {
		return obj, nil
	}

	created, err := factory(props)
	if err != nil {
		log.Error().Int("service_id", id).Str("protocol", e.protocol).Err(err).Msg("service factory failed")
		return nil, fmt.Errorf("%w: service <%d> %s: %w", ErrFactoryFailed, id, e.protocol, err)
	}
	if created == nil {
		return nil, fmt.Errorf("%w: service <%d> %s: factory returned nil", ErrFactoryFailed, id, e.protocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.factory == nil {
		return e.obj, nil
	}
	e.obj, e.factory = created, nil
	log.Debug().Int("service_id", id).Str("protocol", e.protocol).Msg("service created from factory")
	return created, nil
}
