// Package application composes a plugin manager, an extension registry, a
// service registry and an import manager into one application with a
// vetoable start/stop lifecycle.
package application

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/felixgeelhaar/statekit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/plug/extension"
	"github.com/toolink/plug/importer"
	"github.com/toolink/plug/plugin"
	"github.com/toolink/plug/pubsub"
	"github.com/toolink/plug/service"
)

// DefaultID is the id of applications created without one.
const DefaultID = "plug"

// Predefined errors for applications.
var (
	ErrInvalidTransition    = errors.New("invalid application state transition")
	ErrListenerNotFound     = errors.New("application listener not found")
	ErrDiscoveryUnsupported = errors.New("plugin manager does not support discovery")
	ErrInvalidConfig        = errors.New("invalid application config")
)

// Option configures an Application.
type Option func(*options)

type options struct {
	id          string
	home        string
	plugins     []plugin.Plugin
	manager     plugin.Container
	managerOpts []plugin.ManagerOption
	registry    *extension.ProviderRegistry
	services    *service.Registry
	imports     *importer.Manager
	broker      *pubsub.Broker
}

// WithID sets the application id.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithHome sets the application home directory. It defaults to
// "$HOME/.<id>".
func WithHome(home string) Option {
	return func(o *options) { o.home = home }
}

// WithPlugins adds plugins, in order, when the application is created.
func WithPlugins(plugins ...plugin.Plugin) Option {
	return func(o *options) { o.plugins = append(o.plugins, plugins...) }
}

// WithManager replaces the default plugin manager. Plugins it already
// holds become part of the application.
func WithManager(m plugin.Container) Option {
	return func(o *options) { o.manager = m }
}

// WithManagerOptions configures the default plugin manager. It has no
// effect together with WithManager.
func WithManagerOptions(opts ...plugin.ManagerOption) Option {
	return func(o *options) { o.managerOpts = append(o.managerOpts, opts...) }
}

// WithExtensionRegistry replaces the default extension registry.
func WithExtensionRegistry(r *extension.ProviderRegistry) Option {
	return func(o *options) { o.registry = r }
}

// WithServiceRegistry replaces the default service registry.
func WithServiceRegistry(r *service.Registry) Option {
	return func(o *options) { o.services = r }
}

// WithImportManager replaces the default import manager.
func WithImportManager(m *importer.Manager) Option {
	return func(o *options) { o.imports = m }
}

// WithBroker mirrors lifecycle, plugin and extension events onto b.
func WithBroker(b *pubsub.Broker) Option {
	return func(o *options) { o.broker = b }
}

// Application is the composition root of a plugin based program. Every
// plugin added to it feeds the shared extension registry and may publish
// services in the shared service registry.
//
// Like the registry, an Application is meant to be driven from one
// goroutine; Start and Stop must not be called concurrently.
type Application struct {
	id       string
	home     string
	registry *extension.ProviderRegistry
	manager  plugin.Container
	services *service.Registry
	imports  *importer.Manager
	broker   *pubsub.Broker

	machine *statekit.Interpreter[machineContext]
	lastErr error

	mu        sync.RWMutex
	listeners []listener

	// owned by the application when built from a Config
	redisClient *redis.Client
	ownsBroker  bool
}

// New creates an Application.
func New(opts ...Option) (*Application, error) {
	o := &options{id: DefaultID}
	for _, opt := range opts {
		opt(o)
	}
	if o.id == "" {
		return nil, fmt.Errorf("%w: id must not be empty", ErrInvalidConfig)
	}
	if o.home == "" {
		o.home = defaultHome(o.id)
	}
	if o.manager == nil {
		m, err := plugin.NewManager(o.managerOpts...)
		if err != nil {
			return nil, err
		}
		o.manager = m
	}
	if o.registry == nil {
		o.registry = extension.NewProviderRegistry()
	}
	if o.services == nil {
		o.services = service.NewRegistry()
	}
	if o.imports == nil {
		o.imports = importer.New()
	}

	a := &Application{
		id:       o.id,
		home:     o.home,
		registry: o.registry,
		manager:  o.manager,
		services: o.services,
		imports:  o.imports,
		broker:   o.broker,
	}
	machine, err := a.buildMachine()
	if err != nil {
		return nil, fmt.Errorf("failed to build application state machine: %w", err)
	}
	a.machine = machine

	for _, p := range a.manager.Plugins() {
		if err := a.attach(p); err != nil {
			return nil, err
		}
	}
	a.manager.Subscribe(a.pluginEvent)
	if a.broker != nil {
		a.registry.AddExtensionPointListener(extension.ListenerFunc(a.mirrorExtensionChange), "")
	}

	for _, p := range o.plugins {
		if err := a.AddPlugin(p); err != nil {
			return nil, err
		}
	}

	log.Debug().Str("application", a.id).Str("home", a.home).Int("plugin_count", len(a.manager.Plugins())).Msg("application created")
	return a, nil
}

func defaultHome(id string) string {
	dir, err := os.UserHomeDir()
	if err != nil {
		log.Warn().Err(err).Msg("no user home directory, using the temporary directory")
		dir = os.TempDir()
	}
	return filepath.Join(dir, "."+id)
}

// attach connects p to the application and its contributions to the registry.
func (a *Application) attach(p plugin.Plugin) error {
	if errors.Is(a.checkProvider(p), extension.ErrProviderRegistered) {
		return fmt.Errorf("failed to add contributions of plugin %s: %w", p.ID(), extension.ErrProviderRegistered)
	}
	p.PluginBase().SetHost(a)
	if err := a.registry.AddProvider(p); err != nil {
		p.PluginBase().SetHost(nil)
		return fmt.Errorf("failed to add contributions of plugin %s: %w", p.ID(), err)
	}
	return nil
}

// checkProvider reports ErrProviderRegistered when p already feeds the
// registry, in which case p is attached and must be left alone.
func (a *Application) checkProvider(p plugin.Plugin) error {
	if slices.Contains(a.registry.GetProviders(), extension.Provider(p)) {
		return extension.ErrProviderRegistered
	}
	return nil
}

// detach retracts p's contributions.
func (a *Application) detach(p plugin.Plugin) error {
	err := a.registry.RemoveProvider(p)
	p.PluginBase().SetHost(nil)
	if err != nil {
		return fmt.Errorf("failed to retract contributions of plugin %s: %w", p.ID(), err)
	}
	return nil
}

func (a *Application) pluginEvent(ev plugin.Event) error {
	switch ev.Type {
	case plugin.EventAdded:
		if err := a.attach(ev.Plugin); err != nil {
			return err
		}
	case plugin.EventRemoved:
		if err := a.detach(ev.Plugin); err != nil {
			return err
		}
	}
	a.publish(TopicPlugins, ev.Type.String(), PluginMessage{Application: a.id, Plugin: ev.Plugin.ID()})
	return nil
}

// ID returns the application id.
func (a *Application) ID() string { return a.id }

// Home returns the application home directory. Plugin homes live below it
// in "plugins/<plugin id>".
func (a *Application) Home() string { return a.home }

// ExtensionRegistry implements plugin.Host.
func (a *Application) ExtensionRegistry() extension.Registry { return a.registry }

// Services implements plugin.Host.
func (a *Application) Services() plugin.ServicePublisher { return a.services }

// ServiceRegistry returns the service registry.
func (a *Application) ServiceRegistry() *service.Registry { return a.services }

// PluginManager returns the plugin manager.
func (a *Application) PluginManager() plugin.Container { return a.manager }

// ImportManager returns the import manager.
func (a *Application) ImportManager() *importer.Manager { return a.imports }

// Broker returns the broker events are mirrored onto, if any.
func (a *Application) Broker() *pubsub.Broker { return a.broker }

// AddPlugin adds p. If the application is started p is started as well, and
// extension points being followed pick up its contributions.
func (a *Application) AddPlugin(p plugin.Plugin) error {
	return a.manager.AddPlugin(p)
}

// RemovePlugin stops p and retracts its contributions.
func (a *Application) RemovePlugin(p plugin.Plugin) error {
	return a.manager.RemovePlugin(p)
}

// GetPlugin returns the first plugin with the given id.
func (a *Application) GetPlugin(id string) (plugin.Plugin, bool) {
	return a.manager.GetPlugin(id)
}

// Plugins returns the plugins in order.
func (a *Application) Plugins() []plugin.Plugin {
	return a.manager.Plugins()
}

// All iterates over the plugins in order.
func (a *Application) All() iter.Seq[plugin.Plugin] {
	return func(yield func(plugin.Plugin) bool) {
		for _, p := range a.manager.Plugins() {
			if !yield(p) {
				return
			}
		}
	}
}

// StartPlugin starts the plugin with the given id.
func (a *Application) StartPlugin(id string) error {
	return a.manager.StartPlugin(id)
}

// StopPlugin stops the plugin with the given id.
func (a *Application) StopPlugin(id string) error {
	return a.manager.StopPlugin(id)
}

// Discover adds the plugins yielded by src through the plugin manager.
func (a *Application) Discover(src plugin.Source) error {
	d, ok := a.manager.(interface{ Discover(plugin.Source) error })
	if !ok {
		return fmt.Errorf("%w: %T", ErrDiscoveryUnsupported, a.manager)
	}
	return d.Discover(src)
}

// AddExtensionPoint declares a point in the extension registry.
func (a *Application) AddExtensionPoint(p extension.Point) error {
	return a.registry.AddExtensionPoint(p)
}

// GetExtensionPoint returns the declaration of id, if any.
func (a *Application) GetExtensionPoint(id string) (extension.Point, bool) {
	return a.registry.GetExtensionPoint(id)
}

// GetExtensionPoints returns every declared point.
func (a *Application) GetExtensionPoints() []extension.Point {
	return a.registry.GetExtensionPoints()
}

// RemoveExtensionPoint removes a point and its extensions.
func (a *Application) RemoveExtensionPoint(id string) error {
	return a.registry.RemoveExtensionPoint(id)
}

// GetExtensions returns the extensions contributed to id.
func (a *Application) GetExtensions(id string) ([]any, error) {
	return a.registry.GetExtensions(id)
}

// SetExtensions always fails: an application's extensions come from its
// plugins.
func (a *Application) SetExtensions(id string, extensions []any) error {
	return a.registry.SetExtensions(id, extensions)
}

// AddExtensionPointListener subscribes l to changes of id, or of every
// point if id is empty.
func (a *Application) AddExtensionPointListener(l extension.Listener, id string) string {
	return a.registry.AddExtensionPointListener(l, id)
}

// RemoveExtensionPointListener cancels a subscription.
func (a *Application) RemoveExtensionPointListener(subscriptionID string) error {
	return a.registry.RemoveExtensionPointListener(subscriptionID)
}

// RegisterService publishes obj under protocol.
func (a *Application) RegisterService(protocol string, obj any, properties map[string]any) (int, error) {
	return a.services.RegisterService(protocol, obj, properties)
}

// UnregisterService withdraws a service.
func (a *Application) UnregisterService(id int) error {
	return a.services.UnregisterService(id)
}

// GetService returns the first service matching the lookup, or nil.
func (a *Application) GetService(protocol string, opts ...service.LookupOption) (any, error) {
	return a.services.GetService(protocol, opts...)
}

// GetServices returns every service matching the lookup.
func (a *Application) GetServices(protocol string, opts ...service.LookupOption) ([]any, error) {
	return a.services.GetServices(protocol, opts...)
}

// GetRequiredService is like GetService but fails when nothing matches.
func (a *Application) GetRequiredService(protocol string, opts ...service.LookupOption) (any, error) {
	return a.services.GetRequiredService(protocol, opts...)
}

// GetServiceFromID returns the service registered under id.
func (a *Application) GetServiceFromID(id int) (any, error) {
	return a.services.GetServiceFromID(id)
}

// GetServiceProperties returns the properties of a service.
func (a *Application) GetServiceProperties(id int) (map[string]any, error) {
	return a.services.GetServiceProperties(id)
}

// SetServiceProperties replaces the properties of a service.
func (a *Application) SetServiceProperties(id int, properties map[string]any) error {
	return a.services.SetServiceProperties(id, properties)
}

// ImportSymbol resolves a symbol path through the import manager.
func (a *Application) ImportSymbol(path string) (any, error) {
	return a.imports.ImportSymbol(path)
}

// Close releases the broker and redis connection the application created
// from its Config. It does not stop the application.
func (a *Application) Close() error {
	var errs []error
	if a.ownsBroker && a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	if a.redisClient != nil {
		errs = append(errs, a.redisClient.Close())
		a.redisClient = nil
	}
	return errors.Join(errs...)
}

var _ plugin.Host = (*Application)(nil)
