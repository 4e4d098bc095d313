package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/plug/extension"
)

type testHost struct {
	registry extension.Registry
	services *testPublisher
	home     string
}

func (h *testHost) ExtensionRegistry() extension.Registry { return h.registry }
func (h *testHost) Home() string                          { return h.home }

func (h *testHost) Services() ServicePublisher {
	if h.services == nil {
		return nil
	}
	return h.services
}

type testPublisher struct {
	calls  *[]string
	nextID int
	fail   string
}

func (p *testPublisher) RegisterService(protocol string, _ any, _ map[string]any) (int, error) {
	if protocol == p.fail {
		return 0, errors.New("rejected")
	}
	p.nextID++
	*p.calls = append(*p.calls, "register:"+protocol)
	return p.nextID, nil
}

func (p *testPublisher) UnregisterService(id int) error {
	*p.calls = append(*p.calls, "unregister")
	return nil
}

type recordingPlugin struct {
	*Base
	calls    *[]string
	startErr error
	stopErrs []error
}

func newRecording(id string, calls *[]string) *recordingPlugin {
	return &recordingPlugin{Base: NewBase(WithID(id)), calls: calls}
}

func (p *recordingPlugin) Start() error {
	*p.calls = append(*p.calls, "start:"+p.ID())
	return p.startErr
}

func (p *recordingPlugin) Stop() error {
	*p.calls = append(*p.calls, "stop:"+p.ID())
	if len(p.stopErrs) > 0 {
		err := p.stopErrs[0]
		p.stopErrs = p.stopErrs[1:]
		return err
	}
	return nil
}

type GreeterPlugin struct {
	*Base
}

type HTTPServerPlugin struct {
	*Base
}

func TestBind_Defaults(t *testing.T) {
	t.Parallel()

	p := &GreeterPlugin{Base: NewBase()}
	require.NoError(t, Bind(p))
	assert.Equal(t, "github.com/toolink/plug/plugin.GreeterPlugin", p.ID())
	assert.Equal(t, "Greeter Plugin", p.Name())

	named := &HTTPServerPlugin{Base: NewBase(WithID("acme.http"), WithName("Web"))}
	require.NoError(t, Bind(named))
	assert.Equal(t, "acme.http", named.ID())
	assert.Equal(t, "Web", named.Name())

	type noBase struct{ *Base }
	assert.ErrorIs(t, Bind(&noBase{}), ErrNoBase)
}

func TestWordsOf(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"HTTPServerPlugin": "HTTP Server Plugin",
		"CamelCase":        "Camel Case",
		"Plugin2Go":        "Plugin2 Go",
		"ABC":              "ABC",
		"plain":            "plain",
		"":                 "",
	}
	for in, want := range tests {
		assert.Equal(t, want, wordsOf(in), in)
	}
}

type contributingPlugin struct {
	*Base
	Point *extension.ExtensionPoint[int]

	Names  []string                `contributes_to:"acme.names"`
	Colors *extension.List[string] `contributes_to:"acme.colors"`

	hidden []string `contributes_to:"acme.hidden"`
}

type ownerPlugin struct {
	*Base
	Numbers *extension.ExtensionPoint[int]
}

func TestBase_Contributions(t *testing.T) {
	t.Parallel()

	p := &contributingPlugin{
		Base:   NewBase(WithID("acme.contrib")),
		Names:  []string{"a", "b"},
		Colors: extension.NewList("red"),
		Point:  extension.MustExtensionPoint[int]("acme.numbers"),
		hidden: []string{"h"},
	}
	require.NoError(t, Bind(p))

	got, err := p.GetExtensions("acme.names")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got)

	got, err = p.GetExtensions("acme.hidden")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.Len(t, p.GetExtensionPoints(), 1)
	assert.Equal(t, "acme.numbers", p.GetExtensionPoints()[0].ID)

	var events []extension.ChangeEvent
	p.SetNotifier(func(ev extension.ChangeEvent) { events = append(events, ev) })
	p.Colors.Append("blue")
	require.Len(t, events, 1)
	assert.Equal(t, "acme.colors", events[0].ExtensionPointID)
	assert.Equal(t, []any{"blue"}, events[0].Added)
	assert.Equal(t, extension.At(1), events[0].Index)
}

type ambiguousPlugin struct {
	*Base
	First  []int `contributes_to:"x"`
	Second []int `contributes_to:"x"`
}

func TestBase_AmbiguousContribution(t *testing.T) {
	t.Parallel()

	p := &ambiguousPlugin{Base: NewBase(WithID("acme.ambiguous")), First: []int{1}, Second: []int{2}}
	require.NoError(t, Bind(p))

	_, err := p.GetExtensions("x")
	require.ErrorIs(t, err, extension.ErrAmbiguousContribution)
	assert.Contains(t, err.Error(), "First, Second")

	r := extension.NewProviderRegistry()
	require.NoError(t, r.AddExtensionPoint(extension.Point{ID: "x", Kind: extension.KindList}))
	require.NoError(t, r.AddProvider(p))
	_, err = r.GetExtensions("x")
	assert.ErrorIs(t, err, extension.ErrAmbiguousContribution)
}

type invalidPlugin struct {
	*Base
	Count int `contributes_to:"x"`
}

func TestBind_InvalidContribution(t *testing.T) {
	t.Parallel()

	err := Bind(&invalidPlugin{Base: NewBase()})
	assert.ErrorIs(t, err, ErrInvalidContribution)
}

func TestBase_Contribute(t *testing.T) {
	t.Parallel()

	p := &GreeterPlugin{Base: NewBase(WithID("acme.greeter"))}
	items := extension.NewList(1, 2)
	p.Contribute("acme.numbers", items)
	require.NoError(t, Bind(p))

	var events []extension.ChangeEvent
	p.SetNotifier(func(ev extension.ChangeEvent) { events = append(events, ev) })
	items.Append(3)
	assert.Len(t, events, 1)

	got, err := p.GetExtensions("acme.numbers")
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, got)
}

func TestBase_Home(t *testing.T) {
	t.Parallel()

	p := &GreeterPlugin{Base: NewBase(WithID("acme.greeter"))}
	require.NoError(t, Bind(p))

	_, err := p.Home()
	assert.ErrorIs(t, err, ErrNoHost)

	root := t.TempDir()
	want := filepath.Join(root, "plugins", "acme.greeter")
	require.NoError(t, os.MkdirAll(want, 0o755))

	p.SetHost(&testHost{home: root})
	dir, err := p.Home()
	require.NoError(t, err)
	assert.Equal(t, want, dir)
	assert.DirExists(t, dir)

	again, err := p.Home()
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

type greeter struct{ greeting string }

type servicePlugin struct {
	*recordingPlugin
	Greeter *greeter `service:"acme.greeter"`
}

func TestDefaultActivator(t *testing.T) {
	t.Parallel()

	t.Run("services are published around start and stop", func(t *testing.T) {
		t.Parallel()
		var calls []string
		p := &servicePlugin{recordingPlugin: newRecording("acme.svc", &calls), Greeter: &greeter{"hi"}}
		p.Offer("acme.clock", struct{}{}, map[string]any{"tz": "utc"})
		require.NoError(t, Bind(p))
		p.SetHost(&testHost{services: &testPublisher{calls: &calls}})

		require.NoError(t, DefaultActivator{}.StartPlugin(p))
		require.NoError(t, DefaultActivator{}.StopPlugin(p))
		assert.Equal(t, []string{
			"register:acme.clock", "register:acme.greeter", "start:acme.svc",
			"stop:acme.svc", "unregister", "unregister",
		}, calls)
	})

	t.Run("start failure withdraws services", func(t *testing.T) {
		t.Parallel()
		var calls []string
		boom := errors.New("boom")
		p := &servicePlugin{recordingPlugin: newRecording("acme.svc", &calls), Greeter: &greeter{}}
		p.startErr = boom
		require.NoError(t, Bind(p))
		p.SetHost(&testHost{services: &testPublisher{calls: &calls}})

		assert.ErrorIs(t, DefaultActivator{}.StartPlugin(p), boom)
		assert.Equal(t, []string{"register:acme.greeter", "start:acme.svc", "unregister"}, calls)
	})

	t.Run("services need a host", func(t *testing.T) {
		t.Parallel()
		var calls []string
		p := &servicePlugin{recordingPlugin: newRecording("acme.svc", &calls), Greeter: &greeter{}}
		require.NoError(t, Bind(p))

		assert.ErrorIs(t, DefaultActivator{}.StartPlugin(p), ErrNoHost)
		assert.Empty(t, calls)
	})

	t.Run("registration failure keeps plugin stopped", func(t *testing.T) {
		t.Parallel()
		var calls []string
		p := &servicePlugin{recordingPlugin: newRecording("acme.svc", &calls), Greeter: &greeter{}}
		p.Offer("acme.clock", struct{}{}, nil)
		require.NoError(t, Bind(p))
		p.SetHost(&testHost{services: &testPublisher{calls: &calls, fail: "acme.greeter"}})

		assert.Error(t, DefaultActivator{}.StartPlugin(p))
		assert.Equal(t, []string{"register:acme.clock", "unregister"}, calls)
	})

	t.Run("extension points follow the registry while started", func(t *testing.T) {
		t.Parallel()
		r := extension.NewProviderRegistry()
		owner := &ownerPlugin{Base: NewBase(WithID("acme.owner")), Numbers: extension.MustExtensionPoint[int]("acme.numbers")}
		require.NoError(t, Bind(owner))
		owner.SetHost(&testHost{registry: r})
		require.NoError(t, r.AddProvider(owner))

		require.NoError(t, DefaultActivator{}.StartPlugin(owner))
		assert.True(t, owner.Numbers.Connected())

		feeder := &GreeterPlugin{Base: NewBase(WithID("acme.feeder"))}
		feeder.Contribute("acme.numbers", extension.Values(1, 2))
		require.NoError(t, Bind(feeder))
		require.NoError(t, r.AddProvider(feeder))
		assert.Equal(t, []int{1, 2}, owner.Numbers.Value())

		require.NoError(t, DefaultActivator{}.StopPlugin(owner))
		assert.False(t, owner.Numbers.Connected())
	})
}
