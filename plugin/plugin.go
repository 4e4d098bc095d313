// Package plugin defines plugins, how they are activated, and the managers
// that hold and sequence them.
package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/rs/zerolog/log"

	"github.com/toolink/plug/extension"
)

// Plugin is a lifecycle managed unit. A plugin is also the provider of the
// contributions it makes and the owner of the extension points it declares.
//
// Implementations embed *Base and override Start and Stop as needed.
type Plugin interface {
	extension.Provider
	extension.User

	// ID returns the id of the plugin, unique within an application.
	ID() string
	// Name returns a human readable name.
	Name() string
	// Start is called when the plugin is activated.
	Start() error
	// Stop is called when the plugin is deactivated.
	Stop() error
	// PluginBase returns the embedded Base.
	PluginBase() *Base
}

// ServicePublisher is where plugins publish the services they offer.
type ServicePublisher interface {
	RegisterService(protocol string, service any, properties map[string]any) (int, error)
	UnregisterService(id int) error
}

// Host is the environment a plugin runs in, normally an application.
type Host interface {
	ExtensionRegistry() extension.Registry
	Services() ServicePublisher
	Home() string
}

// Predefined errors for plugins and plugin management.
var (
	ErrPluginNotFound      = errors.New("plugin not found")
	ErrPluginRegistered    = errors.New("plugin is already added")
	ErrNoBase              = errors.New("plugin has no base")
	ErrNoHost              = errors.New("plugin is not attached to a host")
	ErrInvalidContribution = errors.New("invalid contribution field")
	ErrHandlerNotFound     = errors.New("plugin event handler not found")
	ErrInvalidFactory      = errors.New("symbol is not a plugin factory")
	ErrNoManagers          = errors.New("composite manager has no managers")
)

// Offer is a service a plugin publishes while it is started.
type Offer struct {
	Protocol   string
	Service    any
	Properties map[string]any
}

// BaseOption configures a Base.
type BaseOption func(*Base)

// WithID sets the plugin id. Without it the id is derived from the plugin
// type as "<package path>.<type name>".
func WithID(id string) BaseOption {
	return func(b *Base) { b.id = id }
}

// WithName sets the plugin name. Without it the type name is split into words.
func WithName(name string) BaseOption {
	return func(b *Base) { b.name = name }
}

// Base carries the state every plugin needs: identity, its contribution
// table, declared extension points, service offers and the host it is
// attached to.
type Base struct {
	extension.BaseProvider

	id      string
	name    string
	self    Plugin
	host    Host
	started bool
	home    string

	contributions []contribution
	points        []declaration
	offers        []offerSpec
	serviceIDs    []int
}

// NewBase creates a Base to embed in a plugin.
func NewBase(opts ...BaseOption) *Base {
	b := &Base{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PluginBase implements Plugin.
func (b *Base) PluginBase() *Base { return b }

// ID implements Plugin.
func (b *Base) ID() string { return b.id }

// Name implements Plugin.
func (b *Base) Name() string { return b.name }

// Start implements Plugin and does nothing.
func (b *Base) Start() error { return nil }

// Stop implements Plugin and does nothing.
func (b *Base) Stop() error { return nil }

// Started reports whether the plugin has been started and not yet stopped.
func (b *Base) Started() bool { return b.started }

// Host returns the host the plugin is attached to, if any.
func (b *Base) Host() Host { return b.host }

// SetHost attaches the plugin to h, or detaches it when h is nil.
func (b *Base) SetHost(h Host) {
	b.host = h
	b.home = ""
}

// ExtensionRegistry implements extension.User through the host.
func (b *Base) ExtensionRegistry() extension.Registry {
	if b.host == nil {
		return nil
	}
	return b.host.ExtensionRegistry()
}

// Home returns the plugin's private directory, <host home>/plugins/<id>,
// creating it on first use.
func (b *Base) Home() (string, error) {
	if b.home != "" {
		return b.home, nil
	}
	if b.host == nil {
		return "", fmt.Errorf("%w: %s", ErrNoHost, b.id)
	}

	dir := filepath.Join(b.host.Home(), "plugins", b.id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create home for plugin %s: %w", b.id, err)
	}
	b.home = dir
	log.Debug().Str("plugin", b.id).Str("home", dir).Msg("plugin home ready")
	return dir, nil
}

// Contribute feeds src to the extension point id. Contributions are meant
// to be made before the plugin is added to a manager; registries that have
// already read id do not see later ones until they reread it.
func (b *Base) Contribute(id string, src extension.Source) *Base {
	b.contributions = append(b.contributions, contribution{pointID: id, name: "Contribute(" + id + ")", source: src})
	if b.self != nil {
		b.observe(b.contributions[len(b.contributions)-1])
	}
	return b
}

// Declare adds extension points the plugin owns besides those held in its
// exported fields.
func (b *Base) Declare(points ...Declaration) *Base {
	for _, p := range points {
		b.points = append(b.points, declaration{name: p.Point().ID, decl: p})
	}
	return b
}

// Offer publishes service under protocol while the plugin is started.
func (b *Base) Offer(protocol string, service any, properties map[string]any) *Base {
	b.offers = append(b.offers, offerSpec{
		name:  protocol,
		offer: func() Offer { return Offer{Protocol: protocol, Service: service, Properties: properties} },
	})
	return b
}

// Bind prepares p for use: it links p to its Base, fills in the default id
// and name, and collects the contributions, extension points and services
// declared by p's exported fields. Managers bind plugins as they are added.
func Bind(p Plugin) error {
	b := p.PluginBase()
	if b == nil {
		return fmt.Errorf("%w: %T", ErrNoBase, p)
	}
	if b.self == p {
		return nil
	}
	b.self = p

	t := reflect.TypeOf(p)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if b.id == "" {
		b.id = t.PkgPath() + "." + t.Name()
		log.Warn().Str("plugin", b.id).Msg("plugin has no id, using its type")
	}
	if b.name == "" {
		b.name = wordsOf(t.Name())
		log.Debug().Str("plugin", b.id).Str("name", b.name).Msg("plugin has no name, using its type")
	}

	if err := b.scan(p); err != nil {
		return err
	}
	for _, c := range b.contributions {
		b.observe(c)
	}
	return nil
}
