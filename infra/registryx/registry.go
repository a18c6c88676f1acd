package registryx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/phuhao00/pandarpc/help"
	"github.com/phuhao00/pandarpc/infra/protocol"
)

// BasePath is the coordination-service namespace all services register
// under.
const BasePath = "/rpc-services"

// Error kinds surfaced by registries.
var (
	ErrNoEndpoints    = errors.New("no endpoints available")
	ErrRegistryClosed = errors.New("registry closed")
)

// Endpoint is an immutable host:port service address. Endpoints are created
// on discovery and dropped when the registry signals removal.
type Endpoint struct {
	Host string
	Port int
}

// Addr formats the endpoint as "host:port".
func (e Endpoint) Addr() string {
	return help.JoinHostPort(e.Host, e.Port)
}

// ParseEndpoint parses "host:port" into an Endpoint.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, port, err := help.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Selector chooses an endpoint for a request. Load balancers implement it;
// see infra/balancer.
type Selector interface {
	Name() string
	Select(endpoints []Endpoint, req *protocol.Request) *Endpoint
}

// Registry registers local endpoints and discovers remote ones. Lookup reads
// a watch-maintained cache; SelectEndpoint combines Lookup with the
// configured Selector.
type Registry interface {
	Register(ctx context.Context, serviceName string, ep Endpoint) error
	Unregister(ctx context.Context, serviceName string, ep Endpoint) error
	Lookup(serviceName string) ([]Endpoint, error)
	SelectEndpoint(req *protocol.Request) (Endpoint, error)
	Close() error
}

// endpointCache holds the discovered endpoint lists. Replacement is atomic:
// readers observe either the old or the new full list, never a partial one.
type endpointCache struct {
	mu    sync.RWMutex
	lists map[string][]Endpoint
}

func newEndpointCache() *endpointCache {
	return &endpointCache{lists: make(map[string][]Endpoint)}
}

// get returns the cached list and whether the service has been discovered at
// all. The returned slice must not be mutated.
func (c *endpointCache) get(serviceName string) ([]Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list, ok := c.lists[serviceName]
	return list, ok
}

// replace swaps in a freshly discovered list, sorted into natural order so
// round-robin sees a stable sequence.
func (c *endpointCache) replace(serviceName string, eps []Endpoint) {
	sorted := make([]Endpoint, len(eps))
	copy(sorted, eps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr() < sorted[j].Addr() })
	c.mu.Lock()
	c.lists[serviceName] = sorted
	c.mu.Unlock()
}

// drop removes a service from the cache.
func (c *endpointCache) drop(serviceName string) {
	c.mu.Lock()
	delete(c.lists, serviceName)
	c.mu.Unlock()
}

// selectFrom applies the selector to the cached list for req's service key.
func selectFrom(sel Selector, req *protocol.Request, lookup func(string) ([]Endpoint, error)) (Endpoint, error) {
	eps, err := lookup(req.ServiceKey())
	if err != nil {
		return Endpoint{}, err
	}
	chosen := sel.Select(eps, req)
	if chosen == nil {
		return Endpoint{}, fmt.Errorf("%w: service %s", ErrNoEndpoints, req.ServiceKey())
	}
	return *chosen, nil
}
