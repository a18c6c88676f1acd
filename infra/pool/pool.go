package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/phuhao00/pandarpc/config"
)

// Error kinds surfaced by the pool.
var (
	ErrPoolSaturated  = errors.New("connection pool saturated")
	ErrPoolClosed     = errors.New("connection pool closed")
	ErrConnectTimeout = errors.New("connect timeout")
)

// healthFloor is how many connections the health-check task keeps alive per
// endpoint, capped at the pool maximum.
const healthFloor = 2

// Dialer creates a transport to addr. It must honour ctx's deadline.
type Dialer func(ctx context.Context, addr string) (Transport, error)

// Stats is a point-in-time snapshot of one endpoint pool.
type Stats struct {
	Addr      string
	Created   int64
	Closed    int64
	Current   int
	Available int
	InUse     int
	Waiters   int
}

type waiter struct {
	ch chan acquireResult
	// done is CASed exactly once, by either the deliverer or a cancelling
	// caller, so a delivered connection can never be stranded.
	done atomic.Bool
}

// tryComplete claims the right to deliver to this waiter.
func (w *waiter) tryComplete() bool { return w.done.CompareAndSwap(false, true) }

type acquireResult struct {
	conn *Conn
	err  error
}

// endpointPool owns every connection to one endpoint address.
type endpointPool struct {
	addr   string
	cfg    config.PoolConfig
	dialer Dialer
	clock  clockwork.Clock

	mu        sync.Mutex
	available []*Conn // LIFO: most recently used first
	conns     map[string]*Conn
	waiters   []*waiter
	// reserved counts in-flight dials so total = len(conns) + reserved
	// never exceeds the maximum.
	reserved int
	closed   bool

	createdCount atomic.Int64
	closedCount  atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	bg       sync.WaitGroup
}

func newEndpointPool(addr string, cfg config.PoolConfig, dialer Dialer, clock clockwork.Clock) *endpointPool {
	p := &endpointPool{
		addr:   addr,
		cfg:    cfg,
		dialer: dialer,
		clock:  clock,
		conns:  make(map[string]*Conn),
		stop:   make(chan struct{}),
	}
	if cfg.HealthCheckEnabled {
		p.bg.Add(1)
		go p.maintenanceLoop()
	}
	return p
}

// Acquire returns an InUse connection, dialing a new one when the pool has
// room, or queueing the caller when it does not.
func (p *endpointPool) Acquire(ctx context.Context) (*Conn, error) {
	now := p.clock.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	// Pop available connections until one survives the health check.
	for len(p.available) > 0 {
		c := p.available[len(p.available)-1]
		p.available = p.available[:len(p.available)-1]
		if !c.healthy() {
			p.removeLocked(c)
			continue
		}
		if c.tryAcquire(now) {
			p.mu.Unlock()
			return c, nil
		}
	}
	if len(p.conns)+p.reserved < p.cfg.MaxPerEndpoint {
		p.reserved++
		w := &waiter{ch: make(chan acquireResult, 1)}
		p.mu.Unlock()
		go p.dialFor(w)
		return p.await(ctx, w)
	}
	if len(p.waiters) >= p.cfg.MaxPendingAcquires {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: endpoint %s, %d waiters", ErrPoolSaturated, p.addr, p.cfg.MaxPendingAcquires)
	}
	w := &waiter{ch: make(chan acquireResult, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
	return p.await(ctx, w)
}

// await blocks on the waiter's result, honouring cancellation. A connection
// that raced with the cancellation is put back into circulation.
func (p *endpointPool) await(ctx context.Context, w *waiter) (*Conn, error) {
	select {
	case res := <-w.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.conn, nil
	case <-ctx.Done():
		if w.tryComplete() {
			// No delivery happened and none will; the waiter is dead.
			return nil, ctx.Err()
		}
		// A deliverer won the race; its send is in flight or buffered.
		res := <-w.ch
		if res.conn != nil {
			p.Release(res.conn, true)
		}
		return nil, ctx.Err()
	}
}

// dialFor creates a connection for a waiter holding a reserved slot.
func (p *endpointPool) dialFor(w *waiter) {
	dialCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()
	t, err := p.dialer(dialCtx, p.addr)

	p.mu.Lock()
	p.reserved--
	if err != nil {
		p.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s", ErrConnectTimeout, p.addr)
		}
		if w.tryComplete() {
			w.ch <- acquireResult{err: err}
		}
		return
	}
	if p.closed {
		p.mu.Unlock()
		_ = t.Close()
		if w.tryComplete() {
			w.ch <- acquireResult{err: ErrPoolClosed}
		}
		return
	}
	c := newConn(t, p, p.clock.Now(), StateInUse)
	c.useCount.Inc()
	p.conns[c.id] = c
	p.createdCount.Inc()
	p.mu.Unlock()

	logrus.Debugf("pool %s: dialed connection %s", p.addr, c.id)
	if !w.tryComplete() {
		// Caller gave up while we dialed; recirculate.
		p.Release(c, true)
		return
	}
	w.ch <- acquireResult{conn: c}
}

// dialIdle adds an Available connection, used by warmup and the health
// floor. Errors are logged only.
func (p *endpointPool) dialIdle() {
	dialCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()
	t, err := p.dialer(dialCtx, p.addr)
	if err != nil {
		logrus.Debugf("pool %s: warmup dial failed: %v", p.addr, err)
		p.mu.Lock()
		p.reserved--
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	p.reserved--
	if p.closed {
		p.mu.Unlock()
		_ = t.Close()
		return
	}
	c := newConn(t, p, p.clock.Now(), StateAvailable)
	p.conns[c.id] = c
	p.createdCount.Inc()
	p.mu.Unlock()
	p.handBackOrPark(c)
}

// Release takes back an InUse connection. Unhealthy connections are closed;
// healthy ones satisfy the oldest waiter or return to the available set.
func (p *endpointPool) Release(c *Conn, healthy bool) {
	if c == nil {
		return
	}
	if !healthy || !c.healthy() {
		p.mu.Lock()
		p.removeLocked(c)
		needReplacement := len(p.waiters) > 0 && len(p.conns)+p.reserved < p.cfg.MaxPerEndpoint
		if needReplacement {
			p.reserved++
		}
		p.mu.Unlock()
		if needReplacement {
			go p.replaceForWaiter()
		}
		return
	}
	p.handBackOrPark(c)
}

// handBackOrPark hands an owned connection to a waiter (FIFO) or parks it in
// the available set.
func (p *endpointPool) handBackOrPark(c *Conn) {
	now := p.clock.Now()
	for {
		p.mu.Lock()
		if p.closed {
			p.removeLocked(c)
			p.mu.Unlock()
			return
		}
		var w *waiter
		for len(p.waiters) > 0 {
			cand := p.waiters[0]
			p.waiters = p.waiters[1:]
			if cand.tryComplete() {
				w = cand
				break
			}
		}
		if w == nil {
			if c.State() == StateInUse {
				if !c.tryRelease(now) {
					p.removeLocked(c)
					p.mu.Unlock()
					return
				}
			}
			p.available = append(p.available, c)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		// Hand over InUse: the waiter becomes the owner directly.
		if c.State() == StateAvailable {
			if !c.tryAcquire(now) {
				continue
			}
		} else {
			c.useCount.Inc()
			c.lastUsed.Store(now.UnixNano())
		}
		w.ch <- acquireResult{conn: c}
		return
	}
}

// replaceForWaiter dials a replacement connection after an unhealthy release
// left waiters behind. The reserved slot is already taken.
func (p *endpointPool) replaceForWaiter() {
	dialCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()
	t, err := p.dialer(dialCtx, p.addr)
	p.mu.Lock()
	p.reserved--
	if err != nil || p.closed {
		p.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}
	c := newConn(t, p, p.clock.Now(), StateInUse)
	p.conns[c.id] = c
	p.createdCount.Inc()
	p.mu.Unlock()
	p.handBackOrPark(c)
}

// removeLocked drops a connection from all pool structures and closes it.
// Caller holds p.mu.
func (p *endpointPool) removeLocked(c *Conn) {
	if _, ok := p.conns[c.id]; ok {
		delete(p.conns, c.id)
	}
	for i, have := range p.available {
		if have == c {
			p.available = append(p.available[:i], p.available[i+1:]...)
			break
		}
	}
	if c.markClosed() {
		p.closedCount.Inc()
	}
}

// maintenanceLoop runs idle eviction and the health scan. It must never
// block the acquire path, so all work happens under short critical sections.
func (p *endpointPool) maintenanceLoop() {
	defer p.bg.Done()
	ticker := p.clock.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			p.evictIdle()
			p.healthScan()
		case <-p.stop:
			return
		}
	}
}

// evictIdle closes Available connections idle beyond the threshold.
func (p *endpointPool) evictIdle() {
	now := p.clock.Now()
	p.mu.Lock()
	var evict []*Conn
	for _, c := range p.available {
		if now.Sub(c.IdleSince()) > p.cfg.IdleTimeout {
			evict = append(evict, c)
		}
	}
	for _, c := range evict {
		p.removeLocked(c)
	}
	p.mu.Unlock()
	if len(evict) > 0 {
		logrus.Debugf("pool %s: evicted %d idle connections", p.addr, len(evict))
	}
}

// healthScan removes dead Available connections and tops the pool back up to
// the floor.
func (p *endpointPool) healthScan() {
	p.mu.Lock()
	var dead []*Conn
	for _, c := range p.available {
		if !c.healthy() {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		p.removeLocked(c)
	}
	floor := healthFloor
	if p.cfg.MaxPerEndpoint < floor {
		floor = p.cfg.MaxPerEndpoint
	}
	missing := floor - len(p.conns) - p.reserved
	if missing > 0 {
		p.reserved += missing
	}
	p.mu.Unlock()
	for i := 0; i < missing; i++ {
		go p.dialIdle()
	}
}

// warmup eagerly dials the configured number of idle connections.
func (p *endpointPool) warmup() {
	p.mu.Lock()
	n := p.cfg.WarmupConns
	if room := p.cfg.MaxPerEndpoint - len(p.conns) - p.reserved; n > room {
		n = room
	}
	if n > 0 {
		p.reserved += n
	}
	p.mu.Unlock()
	for i := 0; i < n; i++ {
		go p.dialIdle()
	}
}

// stats snapshots the pool counters.
func (p *endpointPool) stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := 0
	for _, c := range p.conns {
		if c.State() == StateInUse {
			inUse++
		}
	}
	return Stats{
		Addr:      p.addr,
		Created:   p.createdCount.Load(),
		Closed:    p.closedCount.Load(),
		Current:   len(p.conns),
		Available: len(p.available),
		InUse:     inUse,
		Waiters:   len(p.waiters),
	}
}

// close shuts the pool down: waiters fail, connections close, background
// tasks stop. Idempotent.
func (p *endpointPool) close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.removeLocked(c)
	}
	p.mu.Unlock()
	for _, w := range waiters {
		if w.tryComplete() {
			w.ch <- acquireResult{err: ErrPoolClosed}
		}
	}
	p.bg.Wait()
}

// Manager owns one pool per endpoint address.
type Manager struct {
	cfg    config.PoolConfig
	dialer Dialer
	clock  clockwork.Clock

	mu     sync.Mutex
	pools  map[string]*endpointPool
	closed bool
}

// NewManager builds a pool manager. A nil clock means the real one.
func NewManager(cfg config.PoolConfig, dialer Dialer, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{cfg: cfg, dialer: dialer, clock: clock, pools: make(map[string]*endpointPool)}
}

func (m *Manager) poolFor(addr string) (*endpointPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPoolClosed
	}
	p, ok := m.pools[addr]
	if !ok {
		p = newEndpointPool(addr, m.cfg, m.dialer, m.clock)
		m.pools[addr] = p
	}
	return p, nil
}

// Acquire returns an InUse connection to addr.
func (m *Manager) Acquire(ctx context.Context, addr string) (*Conn, error) {
	p, err := m.poolFor(addr)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release hands a connection back to its pool. Pass healthy=false after a
// transport error; the connection is then closed instead of reused.
func (m *Manager) Release(c *Conn, healthy bool) {
	if c == nil || c.owner == nil {
		return
	}
	c.owner.Release(c, healthy)
}

// Warmup eagerly opens connections to the given addresses.
func (m *Manager) Warmup(addrs ...string) {
	for _, addr := range addrs {
		if p, err := m.poolFor(addr); err == nil {
			p.warmup()
		}
	}
}

// Stats snapshots every endpoint pool.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	pools := make([]*endpointPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	out := make([]Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.stats())
	}
	return out
}

// Close shuts every pool down. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pools := make([]*endpointPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	for _, p := range pools {
		p.close()
	}
}
