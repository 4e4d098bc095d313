package plugin

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/toolink/plug/extension"
)

// Struct tags recognised on exported plugin fields.
const (
	// TagContributesTo marks a field as a contribution to the named point.
	// The field must be an extension.Source or a slice.
	TagContributesTo = "contributes_to"
	// TagService marks a field as a service offered under the named protocol.
	TagService = "service"
)

// Declaration is an extension point held by a plugin.
type Declaration interface {
	Point() extension.Point
}

// Connector is a Declaration that can follow registry changes while its
// plugin is started.
type Connector interface {
	Declaration
	Connect(owner extension.User) error
	Disconnect() error
}

type contribution struct {
	pointID string
	name    string
	source  extension.Source
}

type declaration struct {
	name string
	decl Declaration
}

type offerSpec struct {
	name  string
	offer func() Offer
}

// sliceSource reads a slice field each time it is snapshotted.
type sliceSource struct {
	v reflect.Value
}

func (s sliceSource) Snapshot() []any {
	out := make([]any, s.v.Len())
	for i := range out {
		out[i] = s.v.Index(i).Interface()
	}
	return out
}

func (s sliceSource) Observe(func(extension.Change)) {}

var (
	sourceType      = reflect.TypeFor[extension.Source]()
	declarationType = reflect.TypeFor[Declaration]()
)

// scan collects tagged and extension point fields of p.
func (b *Base) scan(p Plugin) error {
	v := reflect.ValueOf(p)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Anonymous {
			continue
		}
		fv := v.Field(i)

		if id, ok := f.Tag.Lookup(TagContributesTo); ok {
			src, err := sourceOf(f, fv)
			if err != nil {
				return fmt.Errorf("%w: %s.%s: %w", ErrInvalidContribution, t.Name(), f.Name, err)
			}
			b.contributions = append(b.contributions, contribution{pointID: id, name: f.Name, source: src})
			continue
		}

		if protocol, ok := f.Tag.Lookup(TagService); ok {
			if protocol == "" {
				protocol = typeName(f.Type)
			}
			b.offers = append(b.offers, offerSpec{
				name:  f.Name,
				offer: func() Offer { return Offer{Protocol: protocol, Service: fv.Interface()} },
			})
			continue
		}

		if f.Type.Implements(declarationType) && !isNil(fv) {
			b.points = append(b.points, declaration{name: f.Name, decl: fv.Interface().(Declaration)})
		}
	}
	return nil
}

func sourceOf(f reflect.StructField, fv reflect.Value) (extension.Source, error) {
	switch {
	case f.Type.Implements(sourceType):
		if isNil(fv) {
			return nil, errors.New("source is nil")
		}
		return fv.Interface().(extension.Source), nil
	case f.Type.Kind() == reflect.Slice:
		return sliceSource{v: fv}, nil
	default:
		return nil, fmt.Errorf("type %s is neither a source nor a slice", f.Type)
	}
}

func isNil(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func (b *Base) observe(c contribution) {
	id := c.pointID
	c.source.Observe(func(ch extension.Change) {
		b.FireExtensionPointChanged(id, ch.Added, ch.Removed, ch.Index)
	})
}

// GetExtensionPoints implements extension.Provider.
func (b *Base) GetExtensionPoints() []extension.Point {
	out := make([]extension.Point, 0, len(b.points))
	for _, d := range b.points {
		out = append(out, d.decl.Point())
	}
	return out
}

// GetExtensions implements extension.Provider. A plugin may feed a point
// from one contribution only.
func (b *Base) GetExtensions(id string) ([]any, error) {
	var found []contribution
	for _, c := range b.contributions {
		if c.pointID == id {
			found = append(found, c)
		}
	}

	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0].source.Snapshot(), nil
	default:
		names := make([]string, len(found))
		for i, c := range found {
			names[i] = c.name
		}
		return nil, fmt.Errorf("%w: extension point %s in plugin %s from %s", extension.ErrAmbiguousContribution, id, b.id, strings.Join(names, ", "))
	}
}

// ConnectExtensionPoints connects every declared point that can follow
// registry changes. On failure the points connected so far are disconnected.
func (b *Base) ConnectExtensionPoints() error {
	if b.self == nil {
		return fmt.Errorf("%w: %s is not bound", ErrNoBase, b.id)
	}
	for i, d := range b.points {
		c, ok := d.decl.(Connector)
		if !ok {
			continue
		}
		if err := c.Connect(b.self); err != nil {
			b.disconnect(b.points[:i])
			return fmt.Errorf("failed to connect %s of plugin %s: %w", d.name, b.id, err)
		}
	}
	return nil
}

// DisconnectExtensionPoints reverses ConnectExtensionPoints.
func (b *Base) DisconnectExtensionPoints() error {
	return b.disconnect(b.points)
}

func (b *Base) disconnect(points []declaration) error {
	var errs []error
	for i := len(points) - 1; i >= 0; i-- {
		if c, ok := points[i].decl.(Connector); ok {
			if err := c.Disconnect(); err != nil {
				errs = append(errs, fmt.Errorf("failed to disconnect %s of plugin %s: %w", points[i].name, b.id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// RegisterServices publishes every offer through the host. On failure the
// services registered so far are withdrawn.
func (b *Base) RegisterServices() error {
	if len(b.offers) == 0 {
		return nil
	}
	var pub ServicePublisher
	if b.host != nil {
		pub = b.host.Services()
	}
	if pub == nil {
		return fmt.Errorf("%w: %s offers services", ErrNoHost, b.id)
	}

	for _, spec := range b.offers {
		o := spec.offer()
		id, err := pub.RegisterService(o.Protocol, o.Service, o.Properties)
		if err != nil {
			if uerr := b.UnregisterServices(); uerr != nil {
				log.Error().Str("plugin", b.id).Err(uerr).Msg("failed to withdraw services after registration error")
			}
			return fmt.Errorf("failed to register service %s of plugin %s: %w", spec.name, b.id, err)
		}
		b.serviceIDs = append(b.serviceIDs, id)
		log.Debug().Str("plugin", b.id).Str("protocol", o.Protocol).Int("service_id", id).Msg("service registered")
	}
	return nil
}

// UnregisterServices withdraws registered services in reverse order.
func (b *Base) UnregisterServices() error {
	if len(b.serviceIDs) == 0 {
		return nil
	}
	var pub ServicePublisher
	if b.host != nil {
		pub = b.host.Services()
	}

	var errs []error
	for i := len(b.serviceIDs) - 1; i >= 0; i-- {
		if pub == nil {
			break
		}
		if err := pub.UnregisterService(b.serviceIDs[i]); err != nil {
			errs = append(errs, err)
		}
	}
	b.serviceIDs = nil
	return errors.Join(errs...)
}

// wordsOf splits a CamelCase identifier into words: "HTTPServerPlugin"
// becomes "HTTP Server Plugin".
func wordsOf(s string) string {
	runes := []rune(s)
	var sb strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				sb.WriteByte(' ')
			}
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
