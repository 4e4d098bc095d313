package plugin

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// CompositeManager presents several containers as one. Plugins are listed
// in container order, new plugins go to the first container.
type CompositeManager struct {
	managers []Container

	mu       sync.RWMutex
	handlers []subscriber
}

// NewCompositeManager creates a CompositeManager over managers and forwards
// their events to its own handlers.
func NewCompositeManager(managers ...Container) *CompositeManager {
	c := &CompositeManager{managers: managers}
	for _, m := range managers {
		m.Subscribe(c.forward)
	}
	return c
}

func (c *CompositeManager) forward(ev Event) error {
	c.mu.RLock()
	handlers := slices.Clone(c.handlers)
	c.mu.RUnlock()

	for _, s := range handlers {
		if err := s.h(ev); err != nil {
			return err
		}
	}
	return nil
}

// Managers returns the aggregated containers.
func (c *CompositeManager) Managers() []Container {
	return slices.Clone(c.managers)
}

// AddPlugin adds p to the first container.
func (c *CompositeManager) AddPlugin(p Plugin) error {
	if len(c.managers) == 0 {
		return ErrNoManagers
	}
	for _, m := range c.managers {
		if slices.Contains(m.Plugins(), p) {
			return fmt.Errorf("%w: %s", ErrPluginRegistered, p.ID())
		}
	}
	return c.managers[0].AddPlugin(p)
}

// RemovePlugin removes p from the container holding it.
func (c *CompositeManager) RemovePlugin(p Plugin) error {
	for _, m := range c.managers {
		if slices.Contains(m.Plugins(), p) {
			return m.RemovePlugin(p)
		}
	}
	return fmt.Errorf("%w: %s", ErrPluginNotFound, p.ID())
}

// GetPlugin searches the containers in order.
func (c *CompositeManager) GetPlugin(id string) (Plugin, bool) {
	for _, m := range c.managers {
		if p, ok := m.GetPlugin(id); ok {
			return p, true
		}
	}
	return nil, false
}

// Plugins returns the plugins of every container, in container order.
func (c *CompositeManager) Plugins() []Plugin {
	var out []Plugin
	for _, m := range c.managers {
		out = append(out, m.Plugins()...)
	}
	return out
}

// Start starts the containers in order and stops at the first failure.
func (c *CompositeManager) Start() error {
	for _, m := range c.managers {
		if err := m.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops the containers in reverse order and stops at the first failure.
func (c *CompositeManager) Stop() error {
	for i := len(c.managers) - 1; i >= 0; i-- {
		if err := c.managers[i].Stop(); err != nil {
			return err
		}
	}
	return nil
}

// StartPlugin starts the first plugin with the given id.
func (c *CompositeManager) StartPlugin(id string) error {
	for _, m := range c.managers {
		if _, ok := m.GetPlugin(id); ok {
			return m.StartPlugin(id)
		}
	}
	return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
}

// StopPlugin stops the first plugin with the given id.
func (c *CompositeManager) StopPlugin(id string) error {
	for _, m := range c.managers {
		if _, ok := m.GetPlugin(id); ok {
			return m.StopPlugin(id)
		}
	}
	return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
}

// Subscribe registers h for events of every container.
func (c *CompositeManager) Subscribe(h Handler) string {
	id := uuid.NewString()
	c.mu.Lock()
	c.handlers = append(c.handlers, subscriber{id: id, h: h})
	c.mu.Unlock()
	return id
}

// Unsubscribe removes the handler registered under id.
func (c *CompositeManager) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.handlers, func(s subscriber) bool { return s.id == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, id)
	}
	c.handlers = slices.Delete(c.handlers, i, i+1)
	return nil
}

var _ Container = (*CompositeManager)(nil)
