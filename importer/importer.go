// Package importer resolves symbol paths such as "github.com/acme/greeter:New"
// to Go values. Symbols are registered by the packages that define them, or
// loaded from Go plugin shared objects for paths like "greeter.so:New".
package importer

import (
	"errors"
	"fmt"
	"maps"
	goplugin "plugin"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Predefined errors for the import manager.
var (
	ErrInvalidSymbolPath = errors.New("invalid symbol path")
	ErrSymbolNotFound    = errors.New("symbol not found")
	ErrSymbolRegistered  = errors.New("symbol already registered")
)

// Opener loads a shared object. It is plugin.Open by default.
type Opener func(path string) (Lookuper, error)

// Lookuper finds a symbol in a loaded shared object.
type Lookuper interface {
	Lookup(symbol string) (goplugin.Symbol, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithOpener replaces how shared objects are loaded.
func WithOpener(open Opener) Option {
	return func(m *Manager) {
		if open != nil {
			m.open = open
		}
	}
}

// Manager is a table of importable symbols. It is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	symbols map[string]any
	open    Opener
}

// New creates an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		symbols: make(map[string]any),
		open: func(path string) (Lookuper, error) {
			return goplugin.Open(path)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Split breaks a symbol path into its package and symbol. The separator is
// the last ':' when there is one, the last '.' otherwise.
func Split(path string) (pkg, symbol string, err error) {
	i := strings.LastIndex(path, ":")
	if i < 0 {
		i = strings.LastIndex(path, ".")
	}
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbolPath, path)
	}
	return path[:i], path[i+1:], nil
}

func key(pkg, symbol string) string { return pkg + ":" + symbol }

// Register makes value importable under path.
func (m *Manager) Register(path string, value any) error {
	pkg, symbol, err := Split(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(pkg, symbol)
	if _, ok := m.symbols[k]; ok {
		return fmt.Errorf("%w: %s", ErrSymbolRegistered, k)
	}
	m.symbols[k] = value
	log.Debug().Str("symbol", k).Msg("symbol registered")
	return nil
}

// MustRegister is like Register but panics on error. It is meant for
// package init functions.
func (m *Manager) MustRegister(path string, value any) {
	if err := m.Register(path, value); err != nil {
		panic(err)
	}
}

// ImportSymbol returns the value registered under path. Unregistered
// symbols of packages ending in ".so" are looked up in that shared object
// and remembered.
func (m *Manager) ImportSymbol(path string) (any, error) {
	pkg, symbol, err := Split(path)
	if err != nil {
		return nil, err
	}
	k := key(pkg, symbol)

	m.mu.RLock()
	v, ok := m.symbols[k]
	m.mu.RUnlock()
	if ok {
		return v, nil
	}
	if !strings.HasSuffix(pkg, ".so") {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, k)
	}

	lib, err := m.open(pkg)
	if err != nil {
		log.Error().Str("library", pkg).Err(err).Msg("failed to open plugin library")
		return nil, fmt.Errorf("failed to open %s: %w", pkg, err)
	}
	sym, err := lib.Lookup(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSymbolNotFound, k, err)
	}

	m.mu.Lock()
	if existing, ok := m.symbols[k]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.symbols[k] = sym
	m.mu.Unlock()
	log.Info().Str("symbol", k).Msg("symbol loaded from plugin library")
	return sym, nil
}

// Symbols returns the normalized paths of every known symbol, sorted.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.symbols))
}
