package extension

// Notifier receives a provider's reports of changes to its own contributions.
// Indices in the event are local to the provider.
type Notifier func(ev ChangeEvent)

// Provider supplies contributions to extension points.
// Providers are identified by interface equality, so implementations are
// normally pointers.
type Provider interface {
	// GetExtensionPoints returns the points the provider declares.
	GetExtensionPoints() []Point

	// GetExtensions returns the provider's current contributions to id.
	GetExtensions(id string) ([]any, error)

	// SetNotifier installs the single receiver of change reports. A nil
	// notifier detaches the provider.
	SetNotifier(n Notifier)
}

// BaseProvider implements the notification half of Provider and is meant to
// be embedded.
type BaseProvider struct {
	notify Notifier
}

// SetNotifier implements Provider.
func (b *BaseProvider) SetNotifier(n Notifier) { b.notify = n }

// FireExtensionPointChanged reports a change to the provider's contribution
// to id. It is a no-op while the provider is not attached to a registry.
func (b *BaseProvider) FireExtensionPointChanged(id string, added, removed []any, index Index) {
	if b.notify == nil {
		return
	}
	b.notify(ChangeEvent{ExtensionPointID: id, Added: added, Removed: removed, Index: index})
}
