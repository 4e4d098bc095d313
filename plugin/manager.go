package plugin

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventType identifies a plugin manager event.
type EventType int

// Plugin manager events.
const (
	EventAdded EventType = iota
	EventRemoved
	EventStarted
	EventStopped
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is delivered to manager handlers.
type Event struct {
	Type   EventType
	Plugin Plugin
}

// Handler receives manager events. An error returned for EventAdded aborts
// the addition; errors for other events are logged.
type Handler func(ev Event) error

// Container is the set of operations shared by Manager and CompositeManager.
type Container interface {
	AddPlugin(p Plugin) error
	RemovePlugin(p Plugin) error
	GetPlugin(id string) (Plugin, bool)
	Plugins() []Plugin
	Start() error
	Stop() error
	StartPlugin(id string) error
	StopPlugin(id string) error
	Subscribe(h Handler) string
	Unsubscribe(id string) error
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	activator Activator
	include   []string
	exclude   []string
	plugins   []Plugin
}

// WithActivator replaces the DefaultActivator.
func WithActivator(a Activator) ManagerOption {
	return func(o *managerOptions) {
		if a != nil {
			o.activator = a
		}
	}
}

// WithInclude restricts discovered plugins to ids matching patterns.
func WithInclude(patterns ...string) ManagerOption {
	return func(o *managerOptions) { o.include = append(o.include, patterns...) }
}

// WithExclude drops discovered plugins whose ids match patterns.
func WithExclude(patterns ...string) ManagerOption {
	return func(o *managerOptions) { o.exclude = append(o.exclude, patterns...) }
}

// WithPlugins adds plugins to the manager when it is created.
func WithPlugins(plugins ...Plugin) ManagerOption {
	return func(o *managerOptions) { o.plugins = append(o.plugins, plugins...) }
}

type subscriber struct {
	id string
	h  Handler
}

// Manager holds an ordered set of plugins and sequences their start and stop.
// It is safe for concurrent use; the plugins it calls are not locked during
// their Start and Stop.
type Manager struct {
	mu        sync.RWMutex
	plugins   []Plugin
	handlers  []subscriber
	activator Activator
	filter    *Filter
	started   bool
}

// NewManager creates a Manager.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	o := &managerOptions{activator: DefaultActivator{}}
	for _, opt := range opts {
		opt(o)
	}

	var filter *Filter
	if len(o.include) > 0 || len(o.exclude) > 0 {
		f, err := NewFilter(o.include, o.exclude)
		if err != nil {
			return nil, err
		}
		filter = f
	}

	m := &Manager{activator: o.activator, filter: filter}
	for _, p := range o.plugins {
		if err := m.AddPlugin(p); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AddPlugin appends p. When the manager is started p is started too.
// Distinct plugins may share an id, but one plugin is added only once.
func (m *Manager) AddPlugin(p Plugin) error {
	if err := Bind(p); err != nil {
		return err
	}

	m.mu.Lock()
	if slices.Contains(m.plugins, p) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginRegistered, p.ID())
	}
	m.plugins = append(m.plugins, p)
	started := m.started
	m.mu.Unlock()

	if err := m.fire(Event{Type: EventAdded, Plugin: p}); err != nil {
		m.drop(p)
		return fmt.Errorf("failed to add plugin %s: %w", p.ID(), err)
	}
	log.Info().Str("plugin", p.ID()).Msg("plugin added")

	if started {
		return m.startPlugin(p)
	}
	return nil
}

// RemovePlugin stops p if it is started and then removes it.
func (m *Manager) RemovePlugin(p Plugin) error {
	m.mu.RLock()
	found := slices.Contains(m.plugins, p)
	m.mu.RUnlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, p.ID())
	}

	if err := m.stopPlugin(p); err != nil {
		return err
	}
	m.drop(p)
	m.notify(Event{Type: EventRemoved, Plugin: p})
	log.Info().Str("plugin", p.ID()).Msg("plugin removed")
	return nil
}

func (m *Manager) drop(p Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := slices.Index(m.plugins, p); i >= 0 { // plugins hold p at most once
		m.plugins = slices.Delete(m.plugins, i, i+1)
	}
}

// GetPlugin returns the first plugin with the given id.
func (m *Manager) GetPlugin(id string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.plugins {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// Plugins returns the plugins in order.
func (m *Manager) Plugins() []Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.plugins)
}

// Start starts every plugin that is not started yet, in order. The first
// failure is returned immediately; plugins started before it stay started.
func (m *Manager) Start() error {
	m.mu.Lock()
	m.started = true
	order := slices.Clone(m.plugins)
	m.mu.Unlock()

	for _, p := range order {
		if err := m.startPlugin(p); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every started plugin in reverse order. The first failure is
// returned immediately; the remaining plugins can be stopped by calling
// Stop or StopPlugin again.
func (m *Manager) Stop() error {
	m.mu.Lock()
	m.started = false
	order := slices.Clone(m.plugins)
	m.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopPlugin(order[i]); err != nil {
			return err
		}
	}
	return nil
}

// StartPlugin starts the first plugin with the given id.
func (m *Manager) StartPlugin(id string) error {
	p, ok := m.GetPlugin(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return m.startPlugin(p)
}

// StopPlugin stops the first plugin with the given id.
func (m *Manager) StopPlugin(id string) error {
	p, ok := m.GetPlugin(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return m.stopPlugin(p)
}

func (m *Manager) startPlugin(p Plugin) error {
	b := p.PluginBase()
	if b.started {
		return nil
	}

	log.Debug().Str("plugin", p.ID()).Msg("starting plugin...")
	startTime := time.Now()
	if err := m.activator.StartPlugin(p); err != nil {
		log.Error().Str("plugin", p.ID()).Dur("duration", time.Since(startTime)).Err(err).Msg("failed to start plugin")
		return err
	}
	b.started = true
	log.Info().Str("plugin", p.ID()).Dur("duration", time.Since(startTime)).Msg("plugin started")

	m.notify(Event{Type: EventStarted, Plugin: p})
	return nil
}

func (m *Manager) stopPlugin(p Plugin) error {
	b := p.PluginBase()
	if !b.started {
		return nil
	}

	log.Debug().Str("plugin", p.ID()).Msg("stopping plugin...")
	startTime := time.Now()
	if err := m.activator.StopPlugin(p); err != nil {
		log.Error().Str("plugin", p.ID()).Dur("duration", time.Since(startTime)).Err(err).Msg("failed to stop plugin")
		return err
	}
	b.started = false
	log.Info().Str("plugin", p.ID()).Dur("duration", time.Since(startTime)).Msg("plugin stopped")

	m.notify(Event{Type: EventStopped, Plugin: p})
	return nil
}

// Subscribe registers h for manager events and returns its subscription id.
func (m *Manager) Subscribe(h Handler) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.handlers = append(m.handlers, subscriber{id: id, h: h})
	m.mu.Unlock()
	return id
}

// Unsubscribe removes the handler registered under id.
func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.handlers, func(s subscriber) bool { return s.id == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, id)
	}
	m.handlers = slices.Delete(m.handlers, i, i+1)
	return nil
}

// fire calls handlers in subscription order and stops at the first error.
func (m *Manager) fire(ev Event) error {
	m.mu.RLock()
	handlers := slices.Clone(m.handlers)
	m.mu.RUnlock()

	for _, s := range handlers {
		if err := s.h(ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) notify(ev Event) {
	if err := m.fire(ev); err != nil {
		log.Error().Str("plugin", ev.Plugin.ID()).Str("event", ev.Type.String()).Err(err).Msg("plugin event handler failed")
	}
}

// Discover adds the plugins yielded by src that pass the include and
// exclude patterns. Entries are filtered by id before their factory runs.
func (m *Manager) Discover(src Source) error {
	entries, err := src.Discover()
	if err != nil {
		return fmt.Errorf("failed to discover plugins: %w", err)
	}

	for _, e := range entries {
		if !m.filter.Allowed(e.ID) {
			log.Debug().Str("plugin", e.ID).Msg("plugin filtered out")
			continue
		}
		p, err := e.New()
		if err != nil {
			return fmt.Errorf("failed to create plugin %s: %w", e.ID, err)
		}
		if b := p.PluginBase(); b != nil && b.id == "" {
			b.id = e.ID
		}
		if err := m.AddPlugin(p); err != nil {
			return err
		}
	}
	return nil
}

var _ Container = (*Manager)(nil)
