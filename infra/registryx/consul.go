package registryx

import (
	"context"
	"fmt"
	"sync"
	"time"

	consul "github.com/hashicorp/consul/api"
	"github.com/sirupsen/logrus"

	"github.com/phuhao00/pandarpc/config"
	"github.com/phuhao00/pandarpc/infra/protocol"
)

// ConsulRegistry is the alternative registry backend. Services register as
// Consul agent services; discovery uses health-filtered service queries with
// a blocking-query watch loop maintaining the cache.
type ConsulRegistry struct {
	client   *consul.Client
	cache    *endpointCache
	selector Selector

	mu      sync.Mutex
	watched map[string]struct{}

	closed  chan struct{}
	closeMu sync.Once
}

// NewConsulRegistry connects to the Consul agent from cfg.
func NewConsulRegistry(cfg config.RegistryConfig, sel Selector) (*ConsulRegistry, error) {
	apiCfg := consul.DefaultConfig()
	if len(cfg.Addrs) > 0 {
		apiCfg.Address = cfg.Addrs[0]
	}
	client, err := consul.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &ConsulRegistry{
		client:   client,
		cache:    newEndpointCache(),
		selector: sel,
		watched:  make(map[string]struct{}),
		closed:   make(chan struct{}),
	}, nil
}

func consulServiceID(serviceName string, ep Endpoint) string {
	return fmt.Sprintf("%s@%s", serviceName, ep.Addr())
}

// Register adds the endpoint as an agent service. Consul has no ephemeral
// nodes; a 10 s TCP health check plus deregister-critical approximates them,
// removing the registration once the check has stayed critical for 60 s.
func (r *ConsulRegistry) Register(ctx context.Context, serviceName string, ep Endpoint) error {
	reg := &consul.AgentServiceRegistration{
		ID:      consulServiceID(serviceName, ep),
		Name:    serviceName,
		Address: ep.Host,
		Port:    ep.Port,
		Check: &consul.AgentServiceCheck{
			TCP:                            ep.Addr(),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "60s",
		},
	}
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("failed to register %s with consul: %w", ep.Addr(), err)
	}
	logrus.Infof("registered %s as consul service %s", ep.Addr(), reg.ID)
	return nil
}

// Unregister removes the agent service registration.
func (r *ConsulRegistry) Unregister(ctx context.Context, serviceName string, ep Endpoint) error {
	if err := r.client.Agent().ServiceDeregister(consulServiceID(serviceName, ep)); err != nil {
		return fmt.Errorf("failed to deregister %s: %w", ep.Addr(), err)
	}
	return nil
}

// Lookup returns the cached healthy endpoints, starting the watch loop on
// first use.
func (r *ConsulRegistry) Lookup(serviceName string) ([]Endpoint, error) {
	if r.isClosed() {
		return nil, ErrRegistryClosed
	}
	if eps, ok := r.cache.get(serviceName); ok {
		if len(eps) == 0 {
			return nil, fmt.Errorf("%w: service %s", ErrNoEndpoints, serviceName)
		}
		return eps, nil
	}
	eps, _, err := r.discover(serviceName, 0)
	if err != nil {
		return nil, err
	}
	r.startWatch(serviceName)
	if len(eps) == 0 {
		return nil, fmt.Errorf("%w: service %s", ErrNoEndpoints, serviceName)
	}
	return eps, nil
}

// discover queries healthy instances, blocking at waitIndex when non-zero.
func (r *ConsulRegistry) discover(serviceName string, waitIndex uint64) ([]Endpoint, uint64, error) {
	opts := &consul.QueryOptions{WaitIndex: waitIndex, WaitTime: 30 * time.Second}
	entries, meta, err := r.client.Health().Service(serviceName, "", true, opts)
	if err != nil {
		return nil, waitIndex, fmt.Errorf("failed to query service %s: %w", serviceName, err)
	}
	eps := make([]Endpoint, 0, len(entries))
	for _, entry := range entries {
		if entry.Service == nil {
			continue
		}
		host := entry.Service.Address
		if host == "" && entry.Node != nil {
			host = entry.Node.Address
		}
		eps = append(eps, Endpoint{Host: host, Port: entry.Service.Port})
	}
	r.cache.replace(serviceName, eps)
	eps, _ = r.cache.get(serviceName)
	return eps, meta.LastIndex, nil
}

func (r *ConsulRegistry) startWatch(serviceName string) {
	r.mu.Lock()
	if _, ok := r.watched[serviceName]; ok {
		r.mu.Unlock()
		return
	}
	r.watched[serviceName] = struct{}{}
	r.mu.Unlock()

	go func() {
		var index uint64
		for {
			if r.isClosed() {
				return
			}
			eps, newIndex, err := r.discover(serviceName, index)
			if err != nil {
				logrus.Warnf("consul watch on %s failed: %v", serviceName, err)
				select {
				case <-time.After(time.Second):
					continue
				case <-r.closed:
					return
				}
			}
			if newIndex != index {
				logrus.Debugf("consul watch: %s now has %d endpoints", serviceName, len(eps))
			}
			index = newIndex
		}
	}()
}

// SelectEndpoint picks an endpoint for the request via the configured
// selector.
func (r *ConsulRegistry) SelectEndpoint(req *protocol.Request) (Endpoint, error) {
	return selectFrom(r.selector, req, r.Lookup)
}

func (r *ConsulRegistry) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// Close stops the watch loops. Close is idempotent.
func (r *ConsulRegistry) Close() error {
	r.closeMu.Do(func() { close(r.closed) })
	return nil
}
