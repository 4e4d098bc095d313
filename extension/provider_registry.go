package extension

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// ProviderRegistry is a Registry whose extensions are computed from an
// ordered set of providers. Contributions to a point are concatenated in
// provider registration order.
//
// A point's extensions are fetched from the providers the first time the
// point is read and cached per provider afterwards. Changes reported by a
// provider for a point that has never been read are ignored, since no
// consumer can have observed the previous value.
type ProviderRegistry struct {
	points    pointTable
	static    map[string]bool       // points added by AddExtensionPoint
	owners    map[string][]Provider // providers declaring each point
	providers []Provider
	cache     map[string][][]any // point id -> one list per provider, aligned with providers
	listeners listenerSet
}

// NewProviderRegistry creates a registry with no providers.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		points: newPointTable(),
		static: make(map[string]bool),
		owners: make(map[string][]Provider),
		cache:  make(map[string][][]any),
	}
}

// AddProvider registers p after every provider already present. Points p
// declares are registered before its contributions are folded in, and one
// event is fired per already-read point that p contributes to.
func (r *ProviderRegistry) AddProvider(p Provider) error {
	if r.indexOf(p) >= 0 {
		return ErrProviderRegistered
	}

	declared := p.GetExtensionPoints()
	for _, pt := range declared {
		if err := r.points.check(pt); err != nil {
			return err
		}
	}

	// fetch everything before touching state so a failing provider leaves
	// the registry unchanged.
	ids := r.cachedIDs()
	fresh := make([][]any, len(ids))
	for i, id := range ids {
		ext, err := p.GetExtensions(id)
		if err != nil {
			log.Error().Str("extension_point", id).Err(err).Msg("failed to get extensions from new provider")
			return fmt.Errorf("failed to get extensions for %s: %w", id, err)
		}
		fresh[i] = append([]any(nil), ext...)
	}

	for _, pt := range declared {
		r.points.put(pt)
		r.owners[pt.ID] = append(r.owners[pt.ID], p)
	}
	r.providers = append(r.providers, p)
	p.SetNotifier(func(ev ChangeEvent) { r.providerChanged(p, ev) })

	var events []ChangeEvent
	for i, id := range ids {
		offset := total(r.cache[id])
		r.cache[id] = append(r.cache[id], fresh[i])
		if len(fresh[i]) > 0 {
			events = append(events, ChangeEvent{
				ExtensionPointID: id,
				Added:            append([]any(nil), fresh[i]...),
				Index:            At(offset),
			})
		}
	}

	log.Debug().Int("provider_count", len(r.providers)).Int("declared_points", len(declared)).Msg("extension provider added")
	for _, ev := range events {
		r.listeners.fire(r, ev)
	}
	return nil
}

// AddProviders registers each provider in order, stopping at the first error.
func (r *ProviderRegistry) AddProviders(providers ...Provider) error {
	for _, p := range providers {
		if err := r.AddProvider(p); err != nil {
			return err
		}
	}
	return nil
}

// RemoveProvider retracts exactly the extensions last observed from p, one
// event per read point it contributed to, then drops the points p was the
// last declarer of.
func (r *ProviderRegistry) RemoveProvider(p Provider) error {
	i := r.indexOf(p)
	if i < 0 {
		return ErrProviderNotFound
	}

	var events []ChangeEvent
	for _, id := range r.cachedIDs() {
		lists := r.cache[id]
		offset := total(lists[:i])
		old := lists[i]
		r.cache[id] = append(lists[:i:i], lists[i+1:]...)
		if len(old) > 0 {
			events = append(events, ChangeEvent{ExtensionPointID: id, Removed: old, Index: At(offset)})
		}
	}
	r.providers = append(r.providers[:i:i], r.providers[i+1:]...)
	p.SetNotifier(nil)

	for _, pt := range r.points.list() {
		owners := r.owners[pt.ID]
		j := indexOfProvider(owners, p)
		if j < 0 {
			continue
		}
		owners = append(owners[:j:j], owners[j+1:]...)
		if len(owners) > 0 || r.static[pt.ID] {
			r.owners[pt.ID] = owners
			continue
		}

		delete(r.owners, pt.ID)
		r.points.delete(pt.ID)
		log.Debug().Str("extension_point", pt.ID).Msg("extension point removed with its last declarer")
		if lists, ok := r.cache[pt.ID]; ok {
			delete(r.cache, pt.ID)
			if rest := flatten(lists); len(rest) > 0 {
				events = append(events, ChangeEvent{ExtensionPointID: pt.ID, Removed: rest, Index: At(0)})
			}
		}
	}

	log.Debug().Int("provider_count", len(r.providers)).Msg("extension provider removed")
	for _, ev := range events {
		r.listeners.fire(r, ev)
	}
	return nil
}

// GetProviders returns the registered providers in registration order.
func (r *ProviderRegistry) GetProviders() []Provider {
	return append([]Provider(nil), r.providers...)
}

// AddExtensionPoint implements Registry. Points added this way outlive the
// providers that also declare them.
func (r *ProviderRegistry) AddExtensionPoint(p Point) error {
	if err := r.points.check(p); err != nil {
		return err
	}
	r.points.put(p)
	r.static[p.ID] = true
	log.Debug().Str("extension_point", p.ID).Msg("extension point added")
	return nil
}

// GetExtensionPoint implements Registry.
func (r *ProviderRegistry) GetExtensionPoint(id string) (Point, bool) {
	return r.points.get(id)
}

// GetExtensionPoints implements Registry. Statically added and provider
// declared points are listed once each, in declaration order.
func (r *ProviderRegistry) GetExtensionPoints() []Point {
	return r.points.list()
}

// RemoveExtensionPoint implements Registry.
func (r *ProviderRegistry) RemoveExtensionPoint(id string) error {
	if !r.points.delete(id) {
		return fmt.Errorf("%w: %s", ErrUnknownExtensionPoint, id)
	}
	delete(r.static, id)
	delete(r.owners, id)

	lists, ok := r.cache[id]
	delete(r.cache, id)
	log.Debug().Str("extension_point", id).Msg("extension point removed")

	if old := flatten(lists); ok && len(old) > 0 {
		r.listeners.fire(r, ChangeEvent{ExtensionPointID: id, Removed: old, Index: At(0)})
	}
	return nil
}

// GetExtensions implements Registry.
func (r *ProviderRegistry) GetExtensions(id string) ([]any, error) {
	lists, ok := r.cache[id]
	if !ok {
		if _, declared := r.points.get(id); !declared {
			log.Warn().Str("extension_point", id).Msg("extensions requested for undeclared extension point")
			return []any{}, nil
		}

		lists = make([][]any, len(r.providers))
		for i, p := range r.providers {
			ext, err := p.GetExtensions(id)
			if err != nil {
				return nil, fmt.Errorf("failed to get extensions for %s: %w", id, err)
			}
			lists[i] = append([]any(nil), ext...)
		}
		r.cache[id] = lists
		log.Debug().Str("extension_point", id).Int("extension_count", total(lists)).Msg("extensions cached")
	}
	return flatten(lists), nil
}

// SetExtensions implements Registry. It always fails: providers are the
// only source of extensions.
func (r *ProviderRegistry) SetExtensions(id string, _ []any) error {
	return fmt.Errorf("%w: extensions of %s are provided, not set", ErrNotSupported, id)
}

// AddExtensionPointListener implements Registry.
func (r *ProviderRegistry) AddExtensionPointListener(l Listener, id string) string {
	return r.listeners.add(l, id)
}

// RemoveExtensionPointListener implements Registry.
func (r *ProviderRegistry) RemoveExtensionPointListener(subscriptionID string) error {
	return r.listeners.remove(subscriptionID)
}

// providerChanged refreshes p's slot for the changed point and re-fires the
// event with its index shifted past the providers registered before p.
func (r *ProviderRegistry) providerChanged(p Provider, ev ChangeEvent) {
	id := ev.ExtensionPointID
	lists, ok := r.cache[id]
	if !ok {
		log.Debug().Str("extension_point", id).Msg("ignoring change to unread extension point")
		return
	}
	i := r.indexOf(p)
	if i < 0 {
		log.Warn().Str("extension_point", id).Msg("change reported by unregistered provider")
		return
	}

	fresh, err := p.GetExtensions(id)
	if err != nil {
		// drop the cache so the next read recomputes from every provider.
		delete(r.cache, id)
		log.Error().Str("extension_point", id).Err(err).Msg("failed to refresh extensions, cache dropped")
		return
	}
	offset := total(lists[:i])
	lists[i] = append([]any(nil), fresh...)

	r.listeners.fire(r, ChangeEvent{
		ExtensionPointID: id,
		Added:            ev.Added,
		Removed:          ev.Removed,
		Index:            ev.Index.Offset(offset),
	})
}

func (r *ProviderRegistry) indexOf(p Provider) int {
	return indexOfProvider(r.providers, p)
}

// cachedIDs returns the ids of read points in declaration order.
func (r *ProviderRegistry) cachedIDs() []string {
	ids := make([]string, 0, len(r.cache))
	for _, id := range r.points.order {
		if _, ok := r.cache[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func indexOfProvider(ps []Provider, p Provider) int {
	for i, q := range ps {
		if q == p {
			return i
		}
	}
	return -1
}

func total(lists [][]any) int {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	return n
}

func flatten(lists [][]any) []any {
	out := make([]any, 0, total(lists))
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

var _ Registry = (*ProviderRegistry)(nil)
