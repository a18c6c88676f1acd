package pool

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// State is the lifecycle state of a pooled connection. Transitions:
// Available -> InUse (CAS on acquire), InUse -> Available (release), and
// any -> Closed, which is terminal.
type State int32

const (
	StateAvailable State = iota
	StateInUse
	StateClosed
)

// Transport is the underlying connection a pool entry owns. The network
// package's client connection implements it.
type Transport interface {
	Close() error
	Healthy() bool
}

// Conn is a pooled connection. While InUse it is owned by exactly one
// caller; the pool hands it out and takes it back through CAS state
// transitions, so no lock is held on the acquire fast path.
type Conn struct {
	id        string
	transport Transport
	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanos
	useCount  atomic.Int64
	state     atomic.Int32

	owner *endpointPool
}

func newConn(t Transport, owner *endpointPool, now time.Time, state State) *Conn {
	c := &Conn{
		id:        uuid.NewString(),
		transport: t,
		createdAt: now,
		owner:     owner,
	}
	c.state.Store(int32(state))
	c.lastUsed.Store(now.UnixNano())
	return c
}

// ID is the unique pool-assigned identifier.
func (c *Conn) ID() string { return c.id }

// Transport exposes the underlying connection for I/O.
func (c *Conn) Transport() Transport { return c.transport }

// State reports the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// UseCount reports how many times the connection has been acquired.
func (c *Conn) UseCount() int64 { return c.useCount.Load() }

// IdleSince reports the last time the connection was used.
func (c *Conn) IdleSince() time.Time { return time.Unix(0, c.lastUsed.Load()) }

// healthy reports whether the transport is usable and the entry not closed.
func (c *Conn) healthy() bool {
	return c.State() != StateClosed && c.transport.Healthy()
}

// tryAcquire CASes Available -> InUse.
func (c *Conn) tryAcquire(now time.Time) bool {
	if !c.state.CompareAndSwap(int32(StateAvailable), int32(StateInUse)) {
		return false
	}
	c.useCount.Inc()
	c.lastUsed.Store(now.UnixNano())
	return true
}

// tryRelease CASes InUse -> Available.
func (c *Conn) tryRelease(now time.Time) bool {
	if !c.state.CompareAndSwap(int32(StateInUse), int32(StateAvailable)) {
		return false
	}
	c.lastUsed.Store(now.UnixNano())
	return true
}

// markClosed moves to the terminal state and closes the transport once.
func (c *Conn) markClosed() bool {
	prev := c.state.Swap(int32(StateClosed))
	if State(prev) == StateClosed {
		return false
	}
	_ = c.transport.Close()
	return true
}
