package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeter struct {
	greeting string
}

type Greeter interface {
	Greet() string
}

func (g *greeter) Greet() string { return g.greeting }

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var events []Event
	r.Subscribe(func(ev Event) { events = append(events, ev) })

	first, err := r.RegisterService("acme.Greeter", &greeter{"hi"}, nil)
	require.NoError(t, err)
	second, err := r.RegisterService("acme.Greeter", &greeter{"hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)

	svc, err := r.GetServiceFromID(second)
	require.NoError(t, err)
	assert.Equal(t, "hello", svc.(Greeter).Greet())

	require.NoError(t, r.UnregisterService(first))
	assert.ErrorIs(t, r.UnregisterService(first), ErrServiceNotFound)
	_, err = r.GetServiceFromID(first)
	assert.ErrorIs(t, err, ErrServiceNotFound)

	// ids are not reused.
	third, err := r.RegisterService("acme.Greeter", &greeter{"hey"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, third)

	assert.Equal(t, []Event{
		{Type: EventRegistered, ServiceID: 1, Protocol: "acme.Greeter"},
		{Type: EventRegistered, ServiceID: 2, Protocol: "acme.Greeter"},
		{Type: EventUnregistered, ServiceID: 1, Protocol: "acme.Greeter"},
		{Type: EventRegistered, ServiceID: 3, Protocol: "acme.Greeter"},
	}, events)
}

func TestRegistry_RegisterErrors(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.RegisterService("", &greeter{}, nil)
	assert.ErrorIs(t, err, ErrInvalidProtocol)
	_, err = r.RegisterService("acme.Greeter", nil, nil)
	assert.ErrorIs(t, err, ErrNilService)
}

func TestRegistry_FactoryIsLazy(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	calls := 0
	id, err := r.RegisterService("acme.Greeter", Factory(func(props map[string]any) (any, error) {
		calls++
		return &greeter{props["greeting"].(string)}, nil
	}), map[string]any{"greeting": "hi"})
	require.NoError(t, err)
	assert.Zero(t, calls)

	svc, err := r.GetService("acme.Greeter")
	require.NoError(t, err)
	assert.Equal(t, "hi", svc.(Greeter).Greet())

	again, err := r.GetServiceFromID(id)
	require.NoError(t, err)
	assert.Same(t, svc, again)
	assert.Equal(t, 1, calls)
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	boom := errors.New("boom")
	_, err := r.RegisterService("acme.Greeter", func(map[string]any) (any, error) { return nil, boom }, nil)
	require.NoError(t, err)

	_, err = r.GetService("acme.Greeter")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrFactoryFailed)
}

func TestRegistry_Query(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.RegisterService("acme.Greeter", &greeter{"slow"}, map[string]any{"speed": 1, "lang": "en"})
	require.NoError(t, err)
	_, err = r.RegisterService("acme.Greeter", &greeter{"fast"}, map[string]any{"speed": 9, "lang": "en"})
	require.NoError(t, err)
	_, err = r.RegisterService("acme.Greeter", &greeter{"hallo"}, map[string]any{"speed": 5, "lang": "de"})
	require.NoError(t, err)
	_, err = r.RegisterService("acme.Other", &greeter{"other"}, map[string]any{"speed": 100})
	require.NoError(t, err)

	greetings := func(services []any) []string {
		out := make([]string, len(services))
		for i, s := range services {
			out[i] = s.(Greeter).Greet()
		}
		return out
	}

	tests := []struct {
		name string
		opts []LookupOption
		want []string
	}{
		{name: "all", want: []string{"slow", "fast", "hallo"}},
		{name: "query", opts: []LookupOption{WithQuery(`.lang == "en"`)}, want: []string{"slow", "fast"}},
		{name: "numeric query", opts: []LookupOption{WithQuery(`.speed > 3`)}, want: []string{"fast", "hallo"}},
		{name: "missing property", opts: []LookupOption{WithQuery(`.color == "red"`)}, want: []string{}},
		{name: "minimize", opts: []LookupOption{Minimize("speed")}, want: []string{"slow", "hallo", "fast"}},
		{name: "maximize", opts: []LookupOption{Maximize("speed")}, want: []string{"fast", "hallo", "slow"}},
		{name: "query and maximize", opts: []LookupOption{WithQuery(`.lang == "en"`), Maximize("speed")}, want: []string{"fast", "slow"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			services, err := r.GetServices("acme.Greeter", tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, greetings(services))
		})
	}

	svc, err := r.GetService("acme.Greeter", Maximize("speed"))
	require.NoError(t, err)
	assert.Equal(t, "fast", svc.(Greeter).Greet())
}

func TestRegistry_InvalidQuery(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.RegisterService("acme.Greeter", &greeter{"hi"}, nil)
	require.NoError(t, err)

	_, err = r.GetServices("acme.Greeter", WithQuery(".speed >"))
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestRegistry_RequiredService(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	svc, err := r.GetService("acme.Greeter")
	require.NoError(t, err)
	assert.Nil(t, svc)

	_, err = r.GetRequiredService("acme.Greeter")
	assert.ErrorIs(t, err, ErrNoSuchService)
}

func TestRegistry_Properties(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	props := map[string]any{"speed": 1}
	id, err := r.RegisterService("acme.Greeter", &greeter{"hi"}, props)
	require.NoError(t, err)

	props["speed"] = 2
	got, err := r.GetServiceProperties(id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"speed": 1}, got)

	got["speed"] = 3
	require.NoError(t, r.SetServiceProperties(id, map[string]any{"speed": 7}))
	got, err = r.GetServiceProperties(id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"speed": 7}, got)

	assert.ErrorIs(t, r.SetServiceProperties(99, nil), ErrServiceNotFound)
	_, err = r.GetServiceProperties(99)
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	assert.Equal(t, "github.com/toolink/plug/service.Greeter", ProtocolOf[Greeter]())
	assert.Equal(t, "github.com/toolink/plug/service.greeter", ProtocolOf[*greeter]())
	assert.Equal(t, "map[string]int", ProtocolOf[map[string]int]())

	_, ok, err := Get[Greeter](r)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.RegisterService(ProtocolOf[Greeter](), &greeter{"hi"}, nil)
	require.NoError(t, err)
	g, ok, err := Get[Greeter](r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hi", g.Greet())

	_, err = r.RegisterService(ProtocolOf[string](), 42, nil)
	require.NoError(t, err)
	_, _, err = Get[string](r)
	assert.ErrorIs(t, err, ErrUnexpectedService)
}

func TestRegistry_Unsubscribe(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	calls := 0
	id := r.Subscribe(func(Event) { calls++ })
	require.NoError(t, r.Unsubscribe(id))
	assert.ErrorIs(t, r.Unsubscribe(id), ErrHandlerNotFound)

	_, err := r.RegisterService("acme.Greeter", &greeter{}, nil)
	require.NoError(t, err)
	assert.Zero(t, calls)
}
