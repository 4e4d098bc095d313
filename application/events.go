package application

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/toolink/plug/extension"
)

// Topics application events are mirrored onto when a broker is configured.
const (
	TopicLifecycle  = "application.lifecycle"
	TopicPlugins    = "application.plugins"
	TopicExtensions = "application.extensions"
)

// LifecycleMessage is published on TopicLifecycle. The message type is the
// lifecycle event, suffixed with "_vetoed" when a listener vetoed it.
type LifecycleMessage struct {
	Application string `json:"application"`
	State       State  `json:"state"`
}

// PluginMessage is published on TopicPlugins when a plugin is added,
// removed, started or stopped.
type PluginMessage struct {
	Application string `json:"application"`
	Plugin      string `json:"plugin"`
}

// ExtensionMessage is published on TopicExtensions for every change of an
// extension point that is being followed. Extensions themselves are
// arbitrary values and are not carried, only how many changed and where.
type ExtensionMessage struct {
	Application      string `json:"application"`
	ExtensionPointID string `json:"extension_point_id"`
	Added            int    `json:"added"`
	Removed          int    `json:"removed"`
	Index            string `json:"index"`
}

func (a *Application) publish(topic, typ string, payload any) {
	if a.broker == nil {
		return
	}
	if err := a.broker.Emit(context.Background(), topic, typ, payload); err != nil {
		log.Warn().Str("application", a.id).Str("topic", topic).Str("type", typ).Err(err).Msg("failed to publish application event")
	}
}

func (a *Application) mirrorExtensionChange(_ extension.Registry, ev extension.ChangeEvent) {
	a.publish(TopicExtensions, "changed", ExtensionMessage{
		Application:      a.id,
		ExtensionPointID: ev.ExtensionPointID,
		Added:            len(ev.Added),
		Removed:          len(ev.Removed),
		Index:            ev.Index.String(),
	})
}
