package service

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/toolink/plug/extension"
	"github.com/toolink/plug/plugin"
)

// Ids of the core plugin and the extension points it declares.
const (
	CorePluginID  = "plug.core"
	ServiceOffers = "plug.service_offers"
)

// ServiceOffer is a contribution to the ServiceOffers point: a service, or
// a Factory creating it, published by the core plugin on behalf of the
// contributing plugin.
type ServiceOffer struct {
	Protocol   string
	Factory    any
	Properties map[string]any
}

// CorePlugin registers every offer contributed to ServiceOffers while it is
// started, and follows offers that are contributed or withdrawn later.
// It should be the first plugin of an application.
type CorePlugin struct {
	*plugin.Base
	Offers *extension.ExtensionPoint[ServiceOffer]

	running    bool
	serviceIDs []int // aligned with Offers; 0 marks an offer that failed to register
}

// NewCorePlugin creates the core plugin.
func NewCorePlugin() *CorePlugin {
	p := &CorePlugin{
		Base: plugin.NewBase(plugin.WithID(CorePluginID), plugin.WithName("Core")),
		Offers: extension.MustExtensionPoint[ServiceOffer](ServiceOffers,
			extension.WithDesc("Services created on demand, registered by the core plugin.")),
	}
	p.Offers.Observe(p.offersChanged)
	return p
}

// Start registers the offers contributed so far.
func (p *CorePlugin) Start() error {
	pub, err := p.publisher()
	if err != nil {
		return err
	}

	offers := p.Offers.Value()
	ids := make([]int, 0, len(offers))
	for _, o := range offers {
		id, err := pub.RegisterService(o.Protocol, o.Factory, o.Properties)
		if err != nil {
			p.serviceIDs = ids
			if uerr := p.unregisterAll(pub); uerr != nil {
				log.Error().Str("plugin", p.ID()).Err(uerr).Msg("failed to withdraw service offers")
			}
			return fmt.Errorf("failed to register service offer %s: %w", o.Protocol, err)
		}
		ids = append(ids, id)
	}
	p.serviceIDs = ids
	p.running = true
	log.Info().Str("plugin", p.ID()).Int("offer_count", len(ids)).Msg("service offers registered")
	return nil
}

// Stop withdraws every registered offer.
func (p *CorePlugin) Stop() error {
	p.running = false
	pub, err := p.publisher()
	if err != nil {
		p.serviceIDs = nil
		return err
	}
	return p.unregisterAll(pub)
}

// ServiceIDs returns the ids of the registered offers, in offer order.
func (p *CorePlugin) ServiceIDs() []int {
	return append([]int(nil), p.serviceIDs...)
}

func (p *CorePlugin) publisher() (plugin.ServicePublisher, error) {
	if h := p.Host(); h != nil {
		if pub := h.Services(); pub != nil {
			return pub, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no service registry", plugin.ErrNoHost, p.ID())
}

func (p *CorePlugin) unregisterAll(pub plugin.ServicePublisher) error {
	var errs []error
	for i := len(p.serviceIDs) - 1; i >= 0; i-- {
		if id := p.serviceIDs[i]; id != 0 {
			if err := pub.UnregisterService(id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	p.serviceIDs = nil
	return errors.Join(errs...)
}

func (p *CorePlugin) offersChanged(ch extension.ItemsChange[ServiceOffer]) {
	if !p.running {
		return
	}
	pub, err := p.publisher()
	if err != nil {
		log.Error().Str("plugin", p.ID()).Err(err).Msg("cannot follow service offers")
		return
	}

	start, stop := ch.Index.Bounds(len(ch.Removed))
	if start < 0 || stop > len(p.serviceIDs) || stop < start {
		log.Error().Str("plugin", p.ID()).Str("index", ch.Index.String()).Msg("service offer change out of range")
		return
	}
	removed := append([]int(nil), p.serviceIDs[start:stop]...)
	for _, id := range removed {
		if id == 0 {
			continue
		}
		if err := pub.UnregisterService(id); err != nil {
			log.Error().Str("plugin", p.ID()).Int("service_id", id).Err(err).Msg("failed to withdraw service offer")
		}
	}

	added := make([]int, len(ch.Added))
	for i, o := range ch.Added {
		id, err := pub.RegisterService(o.Protocol, o.Factory, o.Properties)
		if err != nil {
			log.Error().Str("plugin", p.ID()).Str("protocol", o.Protocol).Err(err).Msg("failed to register service offer")
			continue
		}
		added[i] = id
	}

	ids, err := extension.ApplyChange(p.serviceIDs, added, removed, ch.Index)
	if err != nil {
		log.Error().Str("plugin", p.ID()).Err(err).Msg("failed to track service offers")
		return
	}
	p.serviceIDs = ids
	log.Debug().Str("plugin", p.ID()).Int("added", len(ch.Added)).Int("removed", len(removed)).Msg("service offers changed")
}
