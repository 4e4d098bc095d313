package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapImporter map[string]any

func (m mapImporter) ImportSymbol(path string) (any, error) {
	sym, ok := m[path]
	if !ok {
		return nil, fmt.Errorf("no symbol %s", path)
	}
	return sym, nil
}

const manifest = `
plugins:
  - id: acme.editor
    factory: acme/editor:New
  - id: acme.shell
    factory: acme/shell:New
  - id: acme.status
    factory: acme/status.Plugin
`

func TestManifestSource(t *testing.T) {
	t.Parallel()

	var calls []string
	status := newRecording("", &calls)
	imp := mapImporter{
		"acme/editor:New":    func() (Plugin, error) { return newRecording("", &calls), nil },
		"acme/shell:New":     func() Plugin { return newRecording("acme.shell", &calls) },
		"acme/status.Plugin": status,
	}

	src, err := NewManifestSource([]byte(manifest), imp)
	require.NoError(t, err)

	m, err := NewManager(WithExclude("acme.shell"))
	require.NoError(t, err)
	require.NoError(t, m.Discover(src))

	plugins := m.Plugins()
	require.Len(t, plugins, 2)
	assert.Equal(t, "acme.editor", plugins[0].ID())
	assert.Same(t, status, plugins[1])
	assert.Equal(t, "acme.status", status.ID())
}

func TestManifestSource_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewManifestSource([]byte("plugins: [{id: acme.a}]"), mapImporter{})
	assert.Error(t, err)

	_, err = NewManifestSource([]byte("plugins: {"), mapImporter{})
	assert.Error(t, err)

	src, err := NewManifestSource([]byte("plugins: [{id: acme.a, factory: acme/a:X}]"), mapImporter{"acme/a:X": 42})
	require.NoError(t, err)
	entries, err := src.Discover()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = entries[0].New()
	assert.ErrorIs(t, err, ErrInvalidFactory)
}

func TestLoadManifest(t *testing.T) {
	t.Parallel()

	var calls []string
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plugins:\n  - id: acme.a\n    factory: acme/a:New\n"), 0o644))

	src, err := LoadManifest(path, mapImporter{"acme/a:New": Factory(func() (Plugin, error) {
		return newRecording("acme.a", &calls), nil
	})})
	require.NoError(t, err)

	entries, err := src.Discover()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	p, err := entries[0].New()
	require.NoError(t, err)
	assert.Equal(t, "acme.a", p.ID())

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"), mapImporter{})
	assert.Error(t, err)
}
