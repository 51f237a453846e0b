package provider

import (
	"fmt"
	"sort"
)

// Keys carries the per-provider credentials from configuration.
type Keys struct {
	GoogleMapsAPIKey  string
	BingMapsAPIKey    string
	MapboxAccessToken string
}

// Registry resolves provider names to instances.
type Registry struct {
	byName map[string]Provider
	order  []string
}

// NewRegistry builds the standard provider set.
func NewRegistry(keys Keys) *Registry {
	r := &Registry{byName: map[string]Provider{}}
	for _, p := range []Provider{
		NAIP{},
		&ESRI{},
		&ESRI{Clarity: true},
		Sentinel{},
		&OSM{},
		Carto{},
		&Google{APIKey: keys.GoogleMapsAPIKey},
		&Bing{APIKey: keys.BingMapsAPIKey},
		&Mapbox{AccessToken: keys.MapboxAccessToken},
	} {
		r.byName[p.Name()] = p
		r.order = append(r.order, p.Name())
	}
	return r
}

// Register adds or replaces a provider. Tests use this to point tile URLs
// at local servers.
func (r *Registry) Register(p Provider) {
	if _, exists := r.byName[p.Name()]; !exists {
		r.order = append(r.order, p.Name())
	}
	r.byName[p.Name()] = p
}

// Get returns the named provider or ErrUnknown.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return p, nil
}

// All returns every registered provider in registration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Enabled returns the providers usable right now, sorted by name.
func (r *Registry) Enabled() []Provider {
	var out []Provider
	for _, p := range r.byName {
		if p.Enabled() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
