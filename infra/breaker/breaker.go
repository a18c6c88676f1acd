package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/phuhao00/pandarpc/config"
)

// ErrCircuitOpen is surfaced when a breaker denies admission.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State of a circuit breaker.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker is the per-service state machine. Closed admits everything and
// counts consecutive failures; Open denies until the recovery timeout, then
// CASes to HalfOpen; HalfOpen admits a bounded number of trial calls and
// closes after they all succeed, reopening on any failure.
type Breaker struct {
	service string
	cfg     config.BreakerConfig
	clock   clockwork.Clock

	state         atomic.Int32
	failures      atomic.Int64
	successes     atomic.Int64
	lastFailureNs atomic.Int64
	// halfOpenInFlight bounds concurrent trial calls; halfOpenSuccesses
	// counts the ones that came back good.
	halfOpenInFlight  atomic.Int64
	halfOpenSuccesses atomic.Int64
}

// NewBreaker builds a breaker for one service.
func NewBreaker(service string, cfg config.BreakerConfig, clock clockwork.Clock) *Breaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{service: service, cfg: cfg, clock: clock}
}

// State reports the current state.
func (b *Breaker) State() State { return State(b.state.Load()) }

// Allow decides admission. The caller must pair every admitted call with
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	switch b.State() {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.clock.Now().UnixNano() - b.lastFailureNs.Load()
		if time.Duration(elapsed) <= b.cfg.RecoveryTimeout {
			return fmt.Errorf("%w: service %s", ErrCircuitOpen, b.service)
		}
		if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.halfOpenInFlight.Store(0)
			b.halfOpenSuccesses.Store(0)
			logrus.Infof("circuit breaker %s: open -> half-open", b.service)
		}
		return b.allowHalfOpen()
	default:
		return b.allowHalfOpen()
	}
}

func (b *Breaker) allowHalfOpen() error {
	for {
		inFlight := b.halfOpenInFlight.Load()
		if inFlight >= int64(b.cfg.HalfOpenMaxCalls) {
			return fmt.Errorf("%w: service %s half-open at capacity", ErrCircuitOpen, b.service)
		}
		if b.halfOpenInFlight.CompareAndSwap(inFlight, inFlight+1) {
			return nil
		}
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.successes.Inc()
	switch b.State() {
	case StateClosed:
		b.failures.Store(0)
	case StateHalfOpen:
		if b.halfOpenSuccesses.Inc() >= int64(b.cfg.HalfOpenMaxCalls) {
			if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
				b.failures.Store(0)
				logrus.Infof("circuit breaker %s: half-open -> closed", b.service)
			}
		}
	}
}

// RecordFailure notes a failed call. In Closed it trips the breaker at the
// failure threshold; in HalfOpen any failure reopens.
func (b *Breaker) RecordFailure() {
	b.lastFailureNs.Store(b.clock.Now().UnixNano())
	switch b.State() {
	case StateClosed:
		if b.failures.Inc() >= int64(b.cfg.FailureThreshold) {
			if b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
				logrus.Warnf("circuit breaker %s: closed -> open after %d failures", b.service, b.cfg.FailureThreshold)
			}
		}
	case StateHalfOpen:
		if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
			logrus.Warnf("circuit breaker %s: half-open -> open", b.service)
		}
	}
}

// Counts returns the running success and failure counters, for reporting.
func (b *Breaker) Counts() (successes, failures int64) {
	return b.successes.Load(), b.failures.Load()
}

// Manager keys breakers by service name. It is process-global: one manager
// outlives individual clients and servers.
type Manager struct {
	cfg   config.BreakerConfig
	clock clockwork.Clock

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager builds a breaker manager. A nil clock means the real one.
func NewManager(cfg config.BreakerConfig, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{cfg: cfg, clock: clock, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a service, creating it on first use.
func (m *Manager) Get(service string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[service]
	if !ok {
		b = NewBreaker(service, m.cfg, m.clock)
		m.breakers[service] = b
	}
	return b
}

// Allow is a convenience for Get(service).Allow().
func (m *Manager) Allow(service string) error { return m.Get(service).Allow() }

// Record notes the outcome of an admitted call.
func (m *Manager) Record(service string, success bool) {
	if success {
		m.Get(service).RecordSuccess()
	} else {
		m.Get(service).RecordFailure()
	}
}

// Reset drops all breaker state. Intended for tests and teardown.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers = make(map[string]*Breaker)
}
