package plugin

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Factory creates a plugin.
type Factory func() (Plugin, error)

// Entry is a discovered plugin: its id and how to create it.
type Entry struct {
	ID  string
	New Factory
}

// Source yields plugins in the order they should be added.
type Source interface {
	Discover() ([]Entry, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() ([]Entry, error)

// Discover implements Source.
func (f SourceFunc) Discover() ([]Entry, error) { return f() }

// StaticSource yields already constructed plugins.
func StaticSource(plugins ...Plugin) Source {
	return SourceFunc(func() ([]Entry, error) {
		entries := make([]Entry, 0, len(plugins))
		for _, p := range plugins {
			// binding fills in the derived id the filter matches against.
			if err := Bind(p); err != nil {
				return nil, err
			}
			entries = append(entries, Entry{ID: p.ID(), New: func() (Plugin, error) { return p, nil }})
		}
		return entries, nil
	})
}

// SymbolImporter resolves import paths to Go values.
type SymbolImporter interface {
	ImportSymbol(path string) (any, error)
}

// Manifest lists plugins by id and the import path of their factory.
//
//	plugins:
//	  - id: acme.greeter
//	    factory: github.com/acme/greeter:New
type Manifest struct {
	Plugins []ManifestEntry `yaml:"plugins"`
}

// ManifestEntry is one plugin of a Manifest.
type ManifestEntry struct {
	ID      string `yaml:"id"`
	Factory string `yaml:"factory"`
}

// ManifestSource yields the plugins listed in a manifest, resolving each
// factory through an importer when the entry is created.
type ManifestSource struct {
	manifest Manifest
	importer SymbolImporter
}

// NewManifestSource decodes a yaml manifest.
func NewManifestSource(data []byte, imp SymbolImporter) (*ManifestSource, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode plugin manifest: %w", err)
	}
	for i, e := range m.Plugins {
		if e.ID == "" || e.Factory == "" {
			return nil, fmt.Errorf("plugin manifest entry %d needs both id and factory", i)
		}
	}
	return &ManifestSource{manifest: m, importer: imp}, nil
}

// LoadManifest reads and decodes the manifest at path.
func LoadManifest(path string, imp SymbolImporter) (*ManifestSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin manifest: %w", err)
	}
	return NewManifestSource(data, imp)
}

// Discover implements Source.
func (s *ManifestSource) Discover() ([]Entry, error) {
	entries := make([]Entry, 0, len(s.manifest.Plugins))
	for _, e := range s.manifest.Plugins {
		path := e.Factory
		entries = append(entries, Entry{ID: e.ID, New: func() (Plugin, error) {
			sym, err := s.importer.ImportSymbol(path)
			if err != nil {
				return nil, err
			}
			return factoryOf(sym, path)
		}})
	}
	return entries, nil
}

func factoryOf(sym any, path string) (Plugin, error) {
	switch f := sym.(type) {
	case Factory:
		return f()
	case func() (Plugin, error):
		return f()
	case func() Plugin:
		return f(), nil
	case Plugin:
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrInvalidFactory, path, sym)
	}
}
