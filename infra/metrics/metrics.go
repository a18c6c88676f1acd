package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// sampleCap bounds the per-key ring of recent response times. On overflow
// the ring is halved, keeping the newest samples.
const sampleCap = 10000

// Snapshot is an immutable view of one key's counters at a point in time.
type Snapshot struct {
	Name          string        `json:"name"`
	Total         int64         `json:"total"`
	Success       int64         `json:"success"`
	Failed        int64         `json:"failed"`
	MinLatency    time.Duration `json:"minLatencyNs"`
	MaxLatency    time.Duration `json:"maxLatencyNs"`
	AvgLatency    time.Duration `json:"avgLatencyNs"`
	P95Latency    time.Duration `json:"p95LatencyNs"`
	P99Latency    time.Duration `json:"p99LatencyNs"`
	QPS           float64       `json:"qps"`
	LastRequestAt time.Time     `json:"lastRequestAt"`
}

// stats accumulates one key's counters. The mutex covers the sample ring
// and min/max; the hot counters ride along since every record touches the
// ring anyway.
type stats struct {
	mu            sync.Mutex
	total         int64
	success       int64
	failed        int64
	sumLatency    time.Duration
	minLatency    time.Duration
	maxLatency    time.Duration
	samples       []time.Duration
	firstSampleAt time.Time
	lastRequestAt time.Time
}

func (s *stats) record(d time.Duration, success bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total == 0 {
		s.firstSampleAt = now
		s.minLatency = d
		s.maxLatency = d
	} else {
		if d < s.minLatency {
			s.minLatency = d
		}
		if d > s.maxLatency {
			s.maxLatency = d
		}
	}
	s.total++
	if success {
		s.success++
	} else {
		s.failed++
	}
	s.sumLatency += d
	s.lastRequestAt = now
	s.samples = append(s.samples, d)
	if len(s.samples) > sampleCap {
		// Halve, keeping the newest half.
		keep := len(s.samples) / 2
		copy(s.samples, s.samples[len(s.samples)-keep:])
		s.samples = s.samples[:keep]
	}
}

func (s *stats) snapshot(name string, now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Name:          name,
		Total:         s.total,
		Success:       s.success,
		Failed:        s.failed,
		MinLatency:    s.minLatency,
		MaxLatency:    s.maxLatency,
		LastRequestAt: s.lastRequestAt,
	}
	if s.total > 0 {
		snap.AvgLatency = s.sumLatency / time.Duration(s.total)
		if elapsed := s.lastRequestAt.Sub(s.firstSampleAt).Seconds(); elapsed > 0 {
			snap.QPS = float64(s.total) / elapsed
		} else {
			snap.QPS = float64(s.total)
		}
	}
	if len(s.samples) > 0 {
		sorted := make([]time.Duration, len(s.samples))
		copy(sorted, s.samples)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		snap.P95Latency = percentile(sorted, 95)
		snap.P99Latency = percentile(sorted, 99)
	}
	return snap
}

// percentile picks from an ascending-sorted sample set.
func percentile(sorted []time.Duration, p int) time.Duration {
	idx := len(sorted)*p/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Manager keeps per-service and per-method statistics. It is process-global
// and lives until shutdown.
type Manager struct {
	clock clockwork.Clock

	mu       sync.Mutex
	services map[string]*stats
	methods  map[string]*stats
}

// NewManager builds a metrics manager. A nil clock means the real one.
func NewManager(clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		clock:    clock,
		services: make(map[string]*stats),
		methods:  make(map[string]*stats),
	}
}

func statsFor(m map[string]*stats, key string) *stats {
	s, ok := m[key]
	if !ok {
		s = &stats{}
		m[key] = s
	}
	return s
}

// Record notes one call outcome against both the service and the
// service#method keys.
func (m *Manager) Record(service, method string, latency time.Duration, success bool) {
	now := m.clock.Now()
	m.mu.Lock()
	svc := statsFor(m.services, service)
	mth := statsFor(m.methods, service+"#"+method)
	m.mu.Unlock()
	svc.record(latency, success, now)
	mth.record(latency, success, now)
}

// ServiceSnapshot returns the immutable view for one service, or a zero
// snapshot when the service is unknown.
func (m *Manager) ServiceSnapshot(service string) Snapshot {
	m.mu.Lock()
	s, ok := m.services[service]
	m.mu.Unlock()
	if !ok {
		return Snapshot{Name: service}
	}
	return s.snapshot(service, m.clock.Now())
}

// MethodSnapshot returns the view for one service#method key.
func (m *Manager) MethodSnapshot(service, method string) Snapshot {
	key := service + "#" + method
	m.mu.Lock()
	s, ok := m.methods[key]
	m.mu.Unlock()
	if !ok {
		return Snapshot{Name: key}
	}
	return s.snapshot(key, m.clock.Now())
}

// Snapshots returns views of every tracked service and method.
func (m *Manager) Snapshots() []Snapshot {
	now := m.clock.Now()
	m.mu.Lock()
	type entry struct {
		name string
		s    *stats
	}
	entries := make([]entry, 0, len(m.services)+len(m.methods))
	for name, s := range m.services {
		entries = append(entries, entry{name, s})
	}
	for name, s := range m.methods {
		entries = append(entries, entry{name, s})
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.s.snapshot(e.name, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset drops all statistics. Intended for tests and teardown.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = make(map[string]*stats)
	m.methods = make(map[string]*stats)
}
