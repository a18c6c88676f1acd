package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// SpanStatus is the lifecycle state of a span.
type SpanStatus string

const (
	StatusStarted SpanStatus = "started"
	StatusSuccess SpanStatus = "success"
	StatusError   SpanStatus = "error"
)

// Span is one timed operation in a trace tree. The trace ID is shared by
// the whole tree; each span has its own ID and its parent's.
type Span struct {
	TraceID      string            `json:"traceId"`
	SpanID       string            `json:"spanId"`
	ParentSpanID string            `json:"parentSpanId,omitempty"`
	Service      string            `json:"service"`
	Method       string            `json:"method"`
	StartTime    time.Time         `json:"startTime"`
	EndTime      time.Time         `json:"endTime,omitempty"`
	Status       SpanStatus        `json:"status"`
	ErrorMessage string            `json:"errorMessage,omitempty"`

	mu   sync.Mutex
	Tags map[string]string `json:"tags,omitempty"`
	Logs map[string]string `json:"logs,omitempty"`
}

// DurationMs is end − start in milliseconds, or 0 while the span runs.
func (s *Span) DurationMs() int64 {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime).Milliseconds()
}

// AddTag records a tag on the span.
func (s *Span) AddTag(key, value string) {
	s.mu.Lock()
	if s.Tags == nil {
		s.Tags = make(map[string]string)
	}
	s.Tags[key] = value
	s.mu.Unlock()
}

// AddLog records a log entry on the span.
func (s *Span) AddLog(key, value string) {
	s.mu.Lock()
	if s.Logs == nil {
		s.Logs = make(map[string]string)
	}
	s.Logs[key] = value
	s.mu.Unlock()
}

// Collector receives finished spans.
type Collector interface {
	Collect(span *Span)
}

type spanContextKey struct{}

// Manager creates spans and tracks the current one per call path through
// context.Context. Finished spans fan out to every registered collector.
type Manager struct {
	clock clockwork.Clock

	mu         sync.RWMutex
	collectors []Collector
}

// NewManager builds a tracing manager. A nil clock means the real one.
func NewManager(clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{clock: clock}
}

// AddCollector registers a span sink.
func (m *Manager) AddCollector(c Collector) {
	m.mu.Lock()
	m.collectors = append(m.collectors, c)
	m.mu.Unlock()
}

// CurrentSpan returns the span active on the context, or nil.
func CurrentSpan(ctx context.Context) *Span {
	s, _ := ctx.Value(spanContextKey{}).(*Span)
	return s
}

// StartTrace opens a new root span and binds it to the returned context.
func (m *Manager) StartTrace(ctx context.Context, service, method string) (context.Context, *Span) {
	span := &Span{
		TraceID:   uuid.NewString(),
		SpanID:    newSpanID(),
		Service:   service,
		Method:    method,
		StartTime: m.clock.Now(),
		Status:    StatusStarted,
	}
	return context.WithValue(ctx, spanContextKey{}, span), span
}

// StartChildTrace opens a child of the context's current span, or a new
// root when there is none.
func (m *Manager) StartChildTrace(ctx context.Context, service, method string) (context.Context, *Span) {
	parent := CurrentSpan(ctx)
	if parent == nil {
		return m.StartTrace(ctx, service, method)
	}
	span := &Span{
		TraceID:      parent.TraceID,
		SpanID:       newSpanID(),
		ParentSpanID: parent.SpanID,
		Service:      service,
		Method:       method,
		StartTime:    m.clock.Now(),
		Status:       StatusStarted,
	}
	return context.WithValue(ctx, spanContextKey{}, span), span
}

// FinishTrace completes the context's current span successfully and hands
// it to the collectors.
func (m *Manager) FinishTrace(ctx context.Context) {
	m.finish(CurrentSpan(ctx), StatusSuccess, "")
}

// FinishTraceWithError completes the current span with an error status.
func (m *Manager) FinishTraceWithError(ctx context.Context, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.finish(CurrentSpan(ctx), StatusError, msg)
}

func (m *Manager) finish(span *Span, status SpanStatus, errMsg string) {
	if span == nil {
		return
	}
	span.mu.Lock()
	if span.Status != StatusStarted {
		span.mu.Unlock()
		return
	}
	span.EndTime = m.clock.Now()
	span.Status = status
	span.ErrorMessage = errMsg
	span.mu.Unlock()

	m.mu.RLock()
	collectors := make([]Collector, len(m.collectors))
	copy(collectors, m.collectors)
	m.mu.RUnlock()
	for _, c := range collectors {
		c.Collect(span)
	}
}

func newSpanID() string {
	id := uuid.NewString()
	// The short form is plenty for correlation within one trace.
	return id[:8]
}
