package extension

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Registry maps extension point ids to their accumulated extensions and
// notifies listeners when those change.
//
// Registries are not safe for concurrent use. Listeners are called
// synchronously, in subscription order, before the mutating call returns,
// and may read the registry while being called.
type Registry interface {
	// AddExtensionPoint declares a point. Redeclaring an id with the same kind
	// and type replaces its description; other redeclarations fail with
	// ErrDuplicateExtensionPoint.
	AddExtensionPoint(p Point) error

	// GetExtensionPoint returns the declaration of id, if any.
	GetExtensionPoint(id string) (Point, bool)

	// GetExtensionPoints returns every declared point in declaration order.
	GetExtensionPoints() []Point

	// RemoveExtensionPoint drops the point and its extensions, firing a
	// removal for any extensions that vanish.
	RemoveExtensionPoint(id string) error

	// GetExtensions returns a copy of the extensions for id. Unknown or empty
	// points yield an empty, non-nil slice.
	GetExtensions(id string) ([]any, error)

	// SetExtensions replaces the extensions for id.
	SetExtensions(id string, extensions []any) error

	// AddExtensionPointListener subscribes l to changes of the point id, or of
	// every point if id is empty, and returns the subscription id.
	// Subscribing never evaluates contributions.
	AddExtensionPointListener(l Listener, id string) string

	// RemoveExtensionPointListener cancels a subscription.
	RemoveExtensionPointListener(subscriptionID string) error
}

// pointTable holds point declarations in declaration order.
type pointTable struct {
	points map[string]Point
	order  []string
}

func newPointTable() pointTable {
	return pointTable{points: make(map[string]Point)}
}

// check validates p against any existing declaration of its id.
func (t *pointTable) check(p Point) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if existing, ok := t.points[p.ID]; ok && !existing.compatible(p) {
		log.Error().Str("extension_point", p.ID).
			Str("kind", p.Kind.String()).
			Str("declared_kind", existing.Kind.String()).
			Msg("conflicting extension point declaration")
		return fmt.Errorf("%w: %s", ErrDuplicateExtensionPoint, p.ID)
	}
	return nil
}

func (t *pointTable) put(p Point) {
	if _, ok := t.points[p.ID]; !ok {
		t.order = append(t.order, p.ID)
	}
	t.points[p.ID] = p
}

func (t *pointTable) get(id string) (Point, bool) {
	p, ok := t.points[id]
	return p, ok
}

func (t *pointTable) delete(id string) bool {
	if _, ok := t.points[id]; !ok {
		return false
	}
	delete(t.points, id)
	for i, pid := range t.order {
		if pid == id {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

func (t *pointTable) list() []Point {
	out := make([]Point, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.points[id])
	}
	return out
}

// MemoryRegistry is a Registry whose extensions are assigned directly.
type MemoryRegistry struct {
	points     pointTable
	extensions map[string][]any
	listeners  listenerSet
}

// NewRegistry creates an empty MemoryRegistry.
func NewRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		points:     newPointTable(),
		extensions: make(map[string][]any),
	}
}

// AddExtensionPoint implements Registry.
func (r *MemoryRegistry) AddExtensionPoint(p Point) error {
	if err := r.points.check(p); err != nil {
		return err
	}
	r.points.put(p)
	log.Debug().Str("extension_point", p.ID).Msg("extension point added")
	return nil
}

// GetExtensionPoint implements Registry.
func (r *MemoryRegistry) GetExtensionPoint(id string) (Point, bool) {
	return r.points.get(id)
}

// GetExtensionPoints implements Registry.
func (r *MemoryRegistry) GetExtensionPoints() []Point {
	return r.points.list()
}

// RemoveExtensionPoint implements Registry. Extensions set for an id that
// was never declared are cleared as well.
func (r *MemoryRegistry) RemoveExtensionPoint(id string) error {
	old, assigned := r.extensions[id]
	if !r.points.delete(id) && !assigned {
		return fmt.Errorf("%w: %s", ErrUnknownExtensionPoint, id)
	}
	delete(r.extensions, id)
	log.Debug().Str("extension_point", id).Msg("extension point removed")

	if len(old) > 0 {
		r.listeners.fire(r, ChangeEvent{ExtensionPointID: id, Removed: old, Index: At(0)})
	}
	return nil
}

// GetExtensions implements Registry.
func (r *MemoryRegistry) GetExtensions(id string) ([]any, error) {
	return append(make([]any, 0, len(r.extensions[id])), r.extensions[id]...), nil
}

// SetExtensions implements Registry. The change is reported as a
// replacement of the whole previous list.
func (r *MemoryRegistry) SetExtensions(id string, extensions []any) error {
	if id == "" {
		return ErrMissingPointID
	}
	old := r.extensions[id]
	r.extensions[id] = append([]any(nil), extensions...)

	r.listeners.fire(r, ChangeEvent{
		ExtensionPointID: id,
		Added:            append([]any(nil), extensions...),
		Removed:          old,
		Index:            Range(0, len(old)),
	})
	return nil
}

// AddExtensionPointListener implements Registry.
func (r *MemoryRegistry) AddExtensionPointListener(l Listener, id string) string {
	return r.listeners.add(l, id)
}

// RemoveExtensionPointListener implements Registry.
func (r *MemoryRegistry) RemoveExtensionPointListener(subscriptionID string) error {
	return r.listeners.remove(subscriptionID)
}

var _ Registry = (*MemoryRegistry)(nil)
