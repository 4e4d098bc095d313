package importer

import (
	"errors"
	goplugin "plugin"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		pkg    string
		symbol string
	}{
		{path: "github.com/acme/greeter:New", pkg: "github.com/acme/greeter", symbol: "New"},
		{path: "github.com/acme/greeter.New", pkg: "github.com/acme/greeter", symbol: "New"},
		{path: "acme.greeter.Plugin", pkg: "acme.greeter", symbol: "Plugin"},
		{path: "greeter.so:New", pkg: "greeter.so", symbol: "New"},
	}
	for _, tt := range tests {
		pkg, symbol, err := Split(tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.pkg, pkg, tt.path)
		assert.Equal(t, tt.symbol, symbol, tt.path)
	}

	for _, bad := range []string{"", "New", ":New", "acme:", "acme."} {
		_, _, err := Split(bad)
		assert.ErrorIs(t, err, ErrInvalidSymbolPath, bad)
	}
}

func TestManager_RegisterAndImport(t *testing.T) {
	t.Parallel()

	m := New()
	newGreeter := func() string { return "hi" }
	require.NoError(t, m.Register("github.com/acme/greeter:New", newGreeter))
	assert.ErrorIs(t, m.Register("github.com/acme/greeter.New", 1), ErrSymbolRegistered)

	for _, path := range []string{"github.com/acme/greeter:New", "github.com/acme/greeter.New"} {
		v, err := m.ImportSymbol(path)
		require.NoError(t, err, path)
		assert.Equal(t, "hi", v.(func() string)())
	}

	_, err := m.ImportSymbol("github.com/acme/greeter:Old")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	_, err = m.ImportSymbol("nothing")
	assert.ErrorIs(t, err, ErrInvalidSymbolPath)

	assert.Equal(t, []string{"github.com/acme/greeter:New"}, m.Symbols())
	assert.Panics(t, func() { m.MustRegister("github.com/acme/greeter:New", 2) })
}

type fakeLibrary map[string]goplugin.Symbol

func (l fakeLibrary) Lookup(symbol string) (goplugin.Symbol, error) {
	if s, ok := l[symbol]; ok {
		return s, nil
	}
	return nil, errors.New("symbol " + symbol + " not found")
}

func TestManager_SharedObjects(t *testing.T) {
	t.Parallel()

	opened := 0
	m := New(WithOpener(func(path string) (Lookuper, error) {
		opened++
		if path != "greeter.so" {
			return nil, errors.New("no such file")
		}
		return fakeLibrary{"New": "greeter"}, nil
	}))

	v, err := m.ImportSymbol("greeter.so:New")
	require.NoError(t, err)
	assert.Equal(t, "greeter", v)

	// loaded symbols are remembered.
	_, err = m.ImportSymbol("greeter.so:New")
	require.NoError(t, err)
	assert.Equal(t, 1, opened)

	_, err = m.ImportSymbol("greeter.so:Missing")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	_, err = m.ImportSymbol("missing.so:New")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSymbolNotFound)
}
