package ratelimit

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
)

// windowSlice is one ring entry. index holds the absolute slice number the
// counter belongs to, which makes lazy clearing race-free: a writer that
// rotates the slot CASes index before counting into it.
type windowSlice struct {
	index atomic.Int64
	count atomic.Int64
}

// SlidingWindow approximates the admission count over a trailing window with
// a ring of fixed-duration slice counters. Admission is granted when the
// in-window sum plus the requested permits stays within the rate.
type SlidingWindow struct {
	rate     int64
	sliceMs  int64
	slices   []windowSlice
	clock    clockwork.Clock
}

// NewSlidingWindow builds a window limiter: rate admissions per windowMs,
// counted over sliceCount slices. A nil clock means the real one.
func NewSlidingWindow(rate int64, windowMs int64, sliceCount int, clock clockwork.Clock) *SlidingWindow {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	w := &SlidingWindow{
		rate:    rate,
		sliceMs: windowMs / int64(sliceCount),
		slices:  make([]windowSlice, sliceCount),
		clock:   clock,
	}
	for i := range w.slices {
		w.slices[i].index.Store(-1)
	}
	return w
}

// TryAcquire attempts to admit permits in the current slice.
func (w *SlidingWindow) TryAcquire(permits int64) bool {
	current := w.clock.Now().UnixMilli() / w.sliceMs
	oldest := current - int64(len(w.slices)) + 1

	// Slices wholly outside the trailing window are cleared lazily: they are
	// skipped here and reset when their slot rotates to a new index below.
	var sum int64
	for i := range w.slices {
		s := &w.slices[i]
		if s.index.Load() >= oldest {
			sum += s.count.Load()
		}
	}
	if sum+permits > w.rate {
		return false
	}

	slot := &w.slices[current%int64(len(w.slices))]
	for {
		idx := slot.index.Load()
		if idx >= current {
			// Already rotated to (at least) this slice by a concurrent
			// caller; count into it.
			slot.count.Add(permits)
			return true
		}
		if slot.index.CompareAndSwap(idx, current) {
			slot.count.Store(permits)
			return true
		}
	}
}

// Sum reports the current in-window admission count, for reporting.
func (w *SlidingWindow) Sum() int64 {
	current := w.clock.Now().UnixMilli() / w.sliceMs
	oldest := current - int64(len(w.slices)) + 1
	var sum int64
	for i := range w.slices {
		s := &w.slices[i]
		if s.index.Load() >= oldest {
			sum += s.count.Load()
		}
	}
	return sum
}
