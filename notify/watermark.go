package notify

import "sync/atomic"

// Watermark is the highest sequence a consumer has fully processed.
// It only ever moves forward.
type Watermark struct {
	v atomic.Int64
}

// NewWatermark creates a watermark starting at start
func NewWatermark(start int64) *Watermark {
	w := &Watermark{}
	w.v.Store(start)
	return w
}

// Load returns the current value
func (w *Watermark) Load() int64 {
	return w.v.Load()
}

// Advance moves the watermark to seq if seq is ahead of it.
// Returns true if the watermark moved.
func (w *Watermark) Advance(seq int64) bool {
	for {
		cur := w.v.Load()
		if seq <= cur {
			return false
		}
		if w.v.CompareAndSwap(cur, seq) {
			return true
		}
	}
}
