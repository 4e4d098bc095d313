package extension

import (
	"fmt"
	"reflect"

	"github.com/rs/zerolog/log"
)

// User is anything that reads extension points through a registry, such as
// a plugin.
type User interface {
	ExtensionRegistry() Registry
}

// PointOption configures a declaration built by NewExtensionPoint.
type PointOption func(*Point)

// WithDesc sets the description of a point.
func WithDesc(desc string) PointOption {
	return func(p *Point) { p.Desc = desc }
}

// ItemsChange is a ChangeEvent with contributions converted to T.
type ItemsChange[T any] struct {
	Added   []T
	Removed []T
	Index   Index
}

// ExtensionPoint is a typed, list shaped extension point held by its owner,
// normally as a field of a plugin. Contributions are checked against T when
// they are read, not when they are contributed.
type ExtensionPoint[T any] struct {
	point     Point
	value     []T
	registry  Registry // set while connected
	subID     string
	observers []func(ItemsChange[T])
}

// NewExtensionPoint declares a list point whose items have type T.
func NewExtensionPoint[T any](id string, opts ...PointOption) (*ExtensionPoint[T], error) {
	p := Point{ID: id, Kind: KindList, Type: reflect.TypeFor[T]()}
	for _, opt := range opts {
		opt(&p)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &ExtensionPoint[T]{point: p}, nil
}

// MustExtensionPoint is like NewExtensionPoint but panics on error.
func MustExtensionPoint[T any](id string, opts ...PointOption) *ExtensionPoint[T] {
	ep, err := NewExtensionPoint[T](id, opts...)
	if err != nil {
		panic(err)
	}
	return ep
}

// Point returns the declaration.
func (ep *ExtensionPoint[T]) Point() Point { return ep.point }

// ID returns the point id.
func (ep *ExtensionPoint[T]) ID() string { return ep.point.ID }

// Get resolves the current contributions through owner's registry. While
// connected it returns the live cached value instead.
func (ep *ExtensionPoint[T]) Get(owner User) ([]T, error) {
	r, err := registryOf(owner, ep.point.ID)
	if err != nil {
		return nil, err
	}
	if ep.subID != "" && ep.registry == r {
		return append([]T(nil), ep.value...), nil
	}

	items, err := ep.read(r)
	if err != nil {
		return nil, err
	}
	ep.value = items
	return append([]T(nil), items...), nil
}

// Set writes items through owner's registry. Registries whose extensions
// come from providers reject this with ErrNotSupported.
func (ep *ExtensionPoint[T]) Set(owner User, items []T) error {
	r, err := registryOf(owner, ep.point.ID)
	if err != nil {
		return err
	}
	return r.SetExtensions(ep.point.ID, toAny(items))
}

// Value returns the last value read or kept up to date by Connect.
func (ep *ExtensionPoint[T]) Value() []T {
	return append([]T(nil), ep.value...)
}

// Observe registers fn to be called with every change applied while connected.
func (ep *ExtensionPoint[T]) Observe(fn func(ItemsChange[T])) {
	ep.observers = append(ep.observers, fn)
}

// Connected reports whether the point is receiving live updates.
func (ep *ExtensionPoint[T]) Connected() bool { return ep.subID != "" }

// Connect reads the current value and keeps it up to date as the registry
// behind owner changes. The registry holds the point weakly.
func (ep *ExtensionPoint[T]) Connect(owner User) error {
	if ep.subID != "" {
		return nil
	}
	r, err := registryOf(owner, ep.point.ID)
	if err != nil {
		return err
	}
	items, err := ep.read(r)
	if err != nil {
		return err
	}

	ep.value = items
	ep.registry = r
	ep.subID = r.AddExtensionPointListener(Weak(ep, (*ExtensionPoint[T]).changed), ep.point.ID)
	log.Debug().Str("extension_point", ep.point.ID).Int("extension_count", len(items)).Msg("extension point connected")
	return nil
}

// Disconnect stops live updates. The last value stays as it was.
func (ep *ExtensionPoint[T]) Disconnect() error {
	if ep.subID == "" {
		return nil
	}
	err := ep.registry.RemoveExtensionPointListener(ep.subID)
	ep.subID = ""
	ep.registry = nil
	log.Debug().Str("extension_point", ep.point.ID).Msg("extension point disconnected")
	return err
}

func (ep *ExtensionPoint[T]) read(r Registry) ([]T, error) {
	values, err := r.GetExtensions(ep.point.ID)
	if err != nil {
		return nil, err
	}
	return convert[T](ep.point.ID, values)
}

func (ep *ExtensionPoint[T]) changed(r Registry, ev ChangeEvent) {
	err := ep.apply(ev)
	if err == nil {
		return
	}

	log.Warn().Str("extension_point", ep.point.ID).Err(err).Msg("could not apply change, rereading extension point")
	old := ep.value
	fresh, err := ep.read(r)
	if err != nil {
		log.Error().Str("extension_point", ep.point.ID).Err(err).Msg("failed to reread extension point")
		return
	}
	ep.value = fresh
	ep.emit(ItemsChange[T]{Added: fresh, Removed: old, Index: Range(0, len(old))})
}

func (ep *ExtensionPoint[T]) apply(ev ChangeEvent) error {
	added, err := convert[T](ep.point.ID, ev.Added)
	if err != nil {
		return err
	}
	removed, err := convert[T](ep.point.ID, ev.Removed)
	if err != nil {
		return err
	}
	next, err := ApplyChange(ep.value, added, removed, ev.Index)
	if err != nil {
		return err
	}
	ep.value = next
	ep.emit(ItemsChange[T]{Added: added, Removed: removed, Index: ev.Index})
	return nil
}

func (ep *ExtensionPoint[T]) emit(ch ItemsChange[T]) {
	for _, fn := range ep.observers {
		fn(ch)
	}
}

// MapExtensionPoint is a map shaped extension point. Each contribution is a
// map[K]V; contributions are merged in registry order, later ones winning.
type MapExtensionPoint[K comparable, V any] struct {
	point Point
	value map[K]V
}

// NewMapExtensionPoint declares a map point.
func NewMapExtensionPoint[K comparable, V any](id string, opts ...PointOption) (*MapExtensionPoint[K, V], error) {
	p := Point{ID: id, Kind: KindMap, Type: reflect.TypeFor[map[K]V]()}
	for _, opt := range opts {
		opt(&p)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &MapExtensionPoint[K, V]{point: p}, nil
}

// MustMapExtensionPoint is like NewMapExtensionPoint but panics on error.
func MustMapExtensionPoint[K comparable, V any](id string, opts ...PointOption) *MapExtensionPoint[K, V] {
	ep, err := NewMapExtensionPoint[K, V](id, opts...)
	if err != nil {
		panic(err)
	}
	return ep
}

// Point returns the declaration.
func (ep *MapExtensionPoint[K, V]) Point() Point { return ep.point }

// Get resolves and merges the current contributions through owner's registry.
func (ep *MapExtensionPoint[K, V]) Get(owner User) (map[K]V, error) {
	r, err := registryOf(owner, ep.point.ID)
	if err != nil {
		return nil, err
	}
	values, err := r.GetExtensions(ep.point.ID)
	if err != nil {
		return nil, err
	}
	maps, err := convert[map[K]V](ep.point.ID, values)
	if err != nil {
		return nil, err
	}

	merged := make(map[K]V)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	ep.value = merged
	return copyMap(merged), nil
}

// Value returns the last merged value read.
func (ep *MapExtensionPoint[K, V]) Value() map[K]V { return copyMap(ep.value) }

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func registryOf(owner User, pointID string) (Registry, error) {
	if owner != nil {
		if r := owner.ExtensionRegistry(); r != nil {
			return r, nil
		}
	}
	name := fmt.Sprintf("%T", owner)
	if id, ok := owner.(interface{ ID() string }); ok && id.ID() != "" {
		name = id.ID()
	}
	return nil, &ConfigurationError{Owner: name, PointID: pointID}
}

func convert[T any](pointID string, values []any) ([]T, error) {
	out := make([]T, len(values))
	for i, v := range values {
		t, ok := coerce[T](v)
		if !ok {
			return nil, &ContributionTypeError{PointID: pointID, Index: i, Want: reflect.TypeFor[T](), Got: reflect.TypeOf(v)}
		}
		out[i] = t
	}
	return out, nil
}

func coerce[T any](v any) (T, bool) {
	if t, ok := v.(T); ok {
		return t, true
	}
	var zero T
	if v == nil {
		switch reflect.TypeFor[T]().Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return zero, true
		}
	}
	return zero, false
}
