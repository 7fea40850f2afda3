package providers

import (
	"slices"

	"github.com/jrsteele09/sentinel-auth/internal/config"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/samber/lo"
)

// Registry maps provider ids to providers. It is built once and read-only afterwards,
// so it needs no locking.
type Registry struct {
	active    string
	providers map[string]Provider
}

// NewRegistry registers providers under their ids. active names the provider used by
// ResolveActive.
func NewRegistry(active string, providers ...Provider) (*Registry, error) {
	r := &Registry{active: active, providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, exists := r.providers[p.ID()]; exists {
			return nil, errors.Wrapf(errors.ErrInvalidConfig, "[providers NewRegistry] duplicate provider %q", p.ID())
		}
		r.providers[p.ID()] = p
	}
	return r, nil
}

// FromConfig builds the Azure and Google providers from settings.
func FromConfig(settings config.AuthSettings, deps Deps) (*Registry, error) {
	providers := make([]Provider, 0, len(settings.Providers))
	for _, id := range lo.Keys(settings.Providers) {
		cfg := NewConfig(id, settings.Providers[id])
		switch id {
		case config.ProviderAzure:
			providers = append(providers, NewAzure(cfg, deps))
		case config.ProviderGoogle:
			providers = append(providers, NewGoogle(cfg, deps))
		default:
			return nil, errors.Wrapf(errors.ErrUnknownProvider, "[providers FromConfig] %q", id)
		}
	}
	return NewRegistry(settings.ActiveProvider, providers...)
}

// Resolve returns the provider and its configuration. A provider with incomplete
// configuration is returned together with ErrProviderDisabled.
func (r *Registry) Resolve(id string) (Provider, Config, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, Config{}, errors.Wrapf(errors.ErrUnknownProvider, "[providers Resolve] %q", id)
	}
	if !p.Enabled() {
		return p, p.Config(), errors.Wrapf(errors.ErrProviderDisabled, "[providers Resolve] %q", id)
	}
	return p, p.Config(), nil
}

// ResolveActive resolves the configured active provider.
func (r *Registry) ResolveActive() (Provider, Config, error) {
	return r.Resolve(r.active)
}

func (r *Registry) Active() string {
	return r.active
}

// IDs lists registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	ids := lo.Keys(r.providers)
	slices.Sort(ids)
	return ids
}
