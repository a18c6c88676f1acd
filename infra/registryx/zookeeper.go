package registryx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samuel/go-zookeeper/zk"
	"github.com/sirupsen/logrus"

	"github.com/phuhao00/pandarpc/config"
	"github.com/phuhao00/pandarpc/infra/protocol"
)

// reconnect policy for the coordination service: exponential backoff from
// 1 s, at most 3 attempts per operation.
const (
	zkBackoffInitial  = 1 * time.Second
	zkBackoffAttempts = 3
)

// ZKRegistry registers services as ephemeral sequential znodes under
// /rpc-services/{serviceName} and discovers them with child watches. The
// coordination service deletes ephemeral children when the owning session
// ends, so crashed servers disappear without explicit unregistration.
type ZKRegistry struct {
	conn     *zk.Conn
	cache    *endpointCache
	selector Selector

	mu sync.Mutex
	// serviceName -> created znode path, for unregistration
	registered map[string]string
	// services with an active watch loop
	watched map[string]struct{}

	closed  chan struct{}
	closeMu sync.Once
}

// NewZKRegistry connects to the ZooKeeper ensemble from cfg and returns a
// registry selecting endpoints with sel.
func NewZKRegistry(cfg config.RegistryConfig, sel Selector) (*ZKRegistry, error) {
	conn, _, err := zk.Connect(cfg.Addrs, cfg.SessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper %v: %w", cfg.Addrs, err)
	}
	return &ZKRegistry{
		conn:       conn,
		cache:      newEndpointCache(),
		selector:   sel,
		registered: make(map[string]string),
		watched:    make(map[string]struct{}),
		closed:     make(chan struct{}),
	}, nil
}

func (r *ZKRegistry) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(zkBackoffInitial),
	), zkBackoffAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if err == zk.ErrConnectionClosed || err == zk.ErrSessionExpired || err == zk.ErrNoServer {
			logrus.Warnf("zookeeper operation failed, retrying: %v", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// ensurePath creates the persistent parent chain for a service.
func (r *ZKRegistry) ensurePath(ctx context.Context, path string) error {
	return r.retry(ctx, func() error {
		_, err := r.conn.Create(path, nil, 0, zk.WorldACL(zk.PermAll))
		if err == zk.ErrNodeExists {
			return nil
		}
		return err
	})
}

// Register creates the persistent service parent if absent, then an
// ephemeral sequential child whose payload is the endpoint address.
func (r *ZKRegistry) Register(ctx context.Context, serviceName string, ep Endpoint) error {
	if r.isClosed() {
		return ErrRegistryClosed
	}
	if err := r.ensurePath(ctx, BasePath); err != nil {
		return fmt.Errorf("failed to create base path: %w", err)
	}
	parent := BasePath + "/" + serviceName
	if err := r.ensurePath(ctx, parent); err != nil {
		return fmt.Errorf("failed to create service path %s: %w", parent, err)
	}
	var created string
	err := r.retry(ctx, func() error {
		var err error
		created, err = r.conn.Create(parent+"/node-", []byte(ep.Addr()),
			zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to register %s at %s: %w", ep.Addr(), parent, err)
	}
	r.mu.Lock()
	r.registered[serviceName+"|"+ep.Addr()] = created
	r.mu.Unlock()
	logrus.Infof("registered %s as %s", ep.Addr(), created)
	return nil
}

// Unregister deletes the ephemeral child created by Register. Missing nodes
// are not an error: the session may already have expired.
func (r *ZKRegistry) Unregister(ctx context.Context, serviceName string, ep Endpoint) error {
	r.mu.Lock()
	key := serviceName + "|" + ep.Addr()
	path, ok := r.registered[key]
	delete(r.registered, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	err := r.conn.Delete(path, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("failed to unregister %s: %w", path, err)
	}
	return nil
}

// Lookup returns the cached endpoints for a service, installing a child
// watch on first use. Discovery of an absent or empty service returns
// ErrNoEndpoints.
func (r *ZKRegistry) Lookup(serviceName string) ([]Endpoint, error) {
	if r.isClosed() {
		return nil, ErrRegistryClosed
	}
	if eps, ok := r.cache.get(serviceName); ok {
		if len(eps) == 0 {
			return nil, fmt.Errorf("%w: service %s", ErrNoEndpoints, serviceName)
		}
		return eps, nil
	}
	eps, err := r.discover(serviceName)
	if err != nil {
		return nil, err
	}
	r.startWatch(serviceName)
	if len(eps) == 0 {
		return nil, fmt.Errorf("%w: service %s", ErrNoEndpoints, serviceName)
	}
	return eps, nil
}

// discover reads the children once and replaces the cached list.
func (r *ZKRegistry) discover(serviceName string) ([]Endpoint, error) {
	parent := BasePath + "/" + serviceName
	children, _, err := r.conn.Children(parent)
	if err == zk.ErrNoNode {
		r.cache.replace(serviceName, nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", parent, err)
	}
	eps := make([]Endpoint, 0, len(children))
	for _, child := range children {
		data, _, err := r.conn.Get(parent + "/" + child)
		if err != nil {
			if err == zk.ErrNoNode {
				// Child vanished between list and read; the watch will fire.
				continue
			}
			return nil, fmt.Errorf("failed to read %s/%s: %w", parent, child, err)
		}
		ep, err := ParseEndpoint(string(data))
		if err != nil {
			logrus.Warnf("ignoring malformed registration %s/%s: %v", parent, child, err)
			continue
		}
		eps = append(eps, ep)
	}
	r.cache.replace(serviceName, eps)
	eps, _ = r.cache.get(serviceName)
	return eps, nil
}

// startWatch runs one watch loop per service. Each child event triggers a
// re-read and an atomic cache replacement.
func (r *ZKRegistry) startWatch(serviceName string) {
	r.mu.Lock()
	if _, ok := r.watched[serviceName]; ok {
		r.mu.Unlock()
		return
	}
	r.watched[serviceName] = struct{}{}
	r.mu.Unlock()

	go func() {
		parent := BasePath + "/" + serviceName
		for {
			_, _, events, err := r.conn.ChildrenW(parent)
			if err != nil {
				if r.isClosed() {
					return
				}
				logrus.Warnf("child watch on %s failed: %v", parent, err)
				select {
				case <-time.After(zkBackoffInitial):
					continue
				case <-r.closed:
					return
				}
			}
			select {
			case ev := <-events:
				if ev.Type == zk.EventNodeChildrenChanged || ev.Type == zk.EventNodeDeleted {
					if _, err := r.discover(serviceName); err != nil && !r.isClosed() {
						logrus.Warnf("rediscovery of %s failed: %v", serviceName, err)
					}
				}
			case <-r.closed:
				return
			}
		}
	}()
}

// SelectEndpoint picks an endpoint for the request via the configured
// selector.
func (r *ZKRegistry) SelectEndpoint(req *protocol.Request) (Endpoint, error) {
	return selectFrom(r.selector, req, r.Lookup)
}

func (r *ZKRegistry) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// Close stops watches and disconnects; the session's ephemeral nodes expire
// with it. Close is idempotent.
func (r *ZKRegistry) Close() error {
	r.closeMu.Do(func() {
		close(r.closed)
		r.conn.Close()
	})
	return nil
}
