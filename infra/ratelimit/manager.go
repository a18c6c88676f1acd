package ratelimit

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/phuhao00/pandarpc/config"
)

// ErrRateLimited is surfaced when a limiter denies admission. The server
// interceptor translates it into a 429 with a retry-after hint.
var ErrRateLimited = errors.New("rate limited")

// Key prefixes for the four limiter spaces.
const (
	KeyPrefixIP      = "ip:"
	KeyPrefixUser    = "user:"
	KeyPrefixService = "service:"
	KeyPrefixMethod  = "method:"
)

// alertLimitRate is the limited-request share above which a limiter is
// flagged in reports.
const alertLimitRate = 0.10

// Limiter is either a token bucket or a sliding window.
type Limiter interface {
	TryAcquire(permits int64) bool
}

// Report summarises one limiter's admission history.
type Report struct {
	Key      string
	Total    int64
	Limited  int64
	// LimitRate is Limited/Total in [0,1].
	LimitRate float64
	// Alert is set when the limit rate exceeds 10%.
	Alert bool
}

type entry struct {
	limiter Limiter
	total   atomic.Int64
	limited atomic.Int64
}

// Manager holds named limiters with per-key state. It is process-global and
// lives until shutdown.
type Manager struct {
	cfg   config.RateLimitConfig
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager builds a limiter manager. A nil clock means the real one.
func NewManager(cfg config.RateLimitConfig, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{cfg: cfg, clock: clock, entries: make(map[string]*entry)}
}

func (m *Manager) entryFor(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{limiter: m.newLimiter()}
		m.entries[key] = e
	}
	return e
}

func (m *Manager) newLimiter() Limiter {
	if m.cfg.Kind == "sliding_window" {
		return NewSlidingWindow(m.cfg.Rate, m.cfg.WindowMs, m.cfg.WindowSlices, m.clock)
	}
	return NewTokenBucket(m.cfg.Rate, m.cfg.Capacity, m.clock)
}

// check runs one admission against the named limiter and records the
// outcome.
func (m *Manager) check(key string) error {
	e := m.entryFor(key)
	e.total.Inc()
	if e.limiter.TryAcquire(1) {
		return nil
	}
	e.limited.Inc()
	return fmt.Errorf("%w: %s", ErrRateLimited, key)
}

// CheckIP admits by caller IP.
func (m *Manager) CheckIP(ip string) error { return m.check(KeyPrefixIP + ip) }

// CheckUser admits by authenticated principal.
func (m *Manager) CheckUser(user string) error { return m.check(KeyPrefixUser + user) }

// CheckService admits by service identity.
func (m *Manager) CheckService(service string) error { return m.check(KeyPrefixService + service) }

// CheckMethod admits by service#method.
func (m *Manager) CheckMethod(service, method string) error {
	return m.check(fmt.Sprintf("%s%s#%s", KeyPrefixMethod, service, method))
}

// RetryAfterMs suggests how long a limited caller should wait before the
// next attempt: one refill interval.
func (m *Manager) RetryAfterMs() int64 {
	if m.cfg.Rate <= 0 {
		return 1000
	}
	ms := 1000 / m.cfg.Rate
	if ms < 1 {
		ms = 1
	}
	return ms
}

// Reports summarises every limiter, flagging the ones whose limit rate
// exceeds the alert threshold.
func (m *Manager) Reports() []Report {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	entries := make([]*entry, 0, len(m.entries))
	for k, e := range m.entries {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]Report, 0, len(entries))
	for i, e := range entries {
		total := e.total.Load()
		limited := e.limited.Load()
		r := Report{Key: keys[i], Total: total, Limited: limited}
		if total > 0 {
			r.LimitRate = float64(limited) / float64(total)
			r.Alert = r.LimitRate > alertLimitRate
		}
		if r.Alert {
			logrus.Warnf("rate limiter %s limiting %.1f%% of requests", r.Key, r.LimitRate*100)
		}
		out = append(out, r)
	}
	return out
}

// Reset drops all limiter state. Intended for tests and teardown.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
}
