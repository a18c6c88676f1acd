package registryx

import (
	"context"
	"fmt"

	"github.com/phuhao00/pandarpc/infra/protocol"
)

// StaticRegistry serves a fixed endpoint set with no coordination service
// behind it. It backs direct "host:port" addressing and tests, where
// discovery would be bypassed anyway.
type StaticRegistry struct {
	cache    *endpointCache
	selector Selector
}

// NewStaticRegistry builds a registry over a fixed serviceName -> endpoints
// mapping.
func NewStaticRegistry(lists map[string][]Endpoint, sel Selector) *StaticRegistry {
	cache := newEndpointCache()
	for name, eps := range lists {
		cache.replace(name, eps)
	}
	return &StaticRegistry{cache: cache, selector: sel}
}

// Register adds the endpoint to the in-memory list.
func (r *StaticRegistry) Register(ctx context.Context, serviceName string, ep Endpoint) error {
	eps, _ := r.cache.get(serviceName)
	for _, have := range eps {
		if have == ep {
			return nil
		}
	}
	r.cache.replace(serviceName, append(append([]Endpoint{}, eps...), ep))
	return nil
}

// Unregister removes the endpoint from the in-memory list.
func (r *StaticRegistry) Unregister(ctx context.Context, serviceName string, ep Endpoint) error {
	eps, _ := r.cache.get(serviceName)
	kept := make([]Endpoint, 0, len(eps))
	for _, have := range eps {
		if have != ep {
			kept = append(kept, have)
		}
	}
	r.cache.replace(serviceName, kept)
	return nil
}

// Lookup returns the configured endpoints.
func (r *StaticRegistry) Lookup(serviceName string) ([]Endpoint, error) {
	eps, ok := r.cache.get(serviceName)
	if !ok || len(eps) == 0 {
		return nil, fmt.Errorf("%w: service %s", ErrNoEndpoints, serviceName)
	}
	return eps, nil
}

// SelectEndpoint picks an endpoint for the request via the configured
// selector.
func (r *StaticRegistry) SelectEndpoint(req *protocol.Request) (Endpoint, error) {
	return selectFrom(r.selector, req, r.Lookup)
}

// Close is a no-op.
func (r *StaticRegistry) Close() error { return nil }
