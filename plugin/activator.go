package plugin

import (
	"github.com/rs/zerolog/log"
)

// Activator decides how a plugin is started and stopped.
type Activator interface {
	StartPlugin(p Plugin) error
	StopPlugin(p Plugin) error
}

// DefaultActivator starts a plugin by connecting its extension points,
// registering its services and then calling Start. Stopping runs the same
// steps in reverse.
type DefaultActivator struct{}

// StartPlugin implements Activator. Errors from Start are returned as is,
// after the earlier steps have been undone.
func (DefaultActivator) StartPlugin(p Plugin) error {
	b := p.PluginBase()
	if err := b.ConnectExtensionPoints(); err != nil {
		return err
	}
	if err := b.RegisterServices(); err != nil {
		undoConnect(b)
		return err
	}
	if err := p.Start(); err != nil {
		if uerr := b.UnregisterServices(); uerr != nil {
			log.Error().Str("plugin", b.ID()).Err(uerr).Msg("failed to withdraw services after start error")
		}
		undoConnect(b)
		return err
	}
	return nil
}

// StopPlugin implements Activator. A plugin whose Stop fails keeps its
// services and connections so the stop can be retried.
func (DefaultActivator) StopPlugin(p Plugin) error {
	if err := p.Stop(); err != nil {
		return err
	}
	b := p.PluginBase()
	if err := b.UnregisterServices(); err != nil {
		log.Error().Str("plugin", b.ID()).Err(err).Msg("failed to withdraw services")
	}
	if err := b.DisconnectExtensionPoints(); err != nil {
		log.Error().Str("plugin", b.ID()).Err(err).Msg("failed to disconnect extension points")
	}
	return nil
}

func undoConnect(b *Base) {
	if err := b.DisconnectExtensionPoints(); err != nil {
		log.Error().Str("plugin", b.ID()).Err(err).Msg("failed to disconnect extension points after start error")
	}
}

var _ Activator = DefaultActivator{}
