package notify

import (
	"sync"
	"testing"
)

func TestWatermark_OnlyMovesForward(t *testing.T) {
	w := NewWatermark(10)

	if w.Advance(5) {
		t.Error("advance to a lower value should not move the watermark")
	}
	if w.Advance(10) {
		t.Error("advance to the same value should not move the watermark")
	}
	if !w.Advance(11) {
		t.Error("advance to a higher value should move the watermark")
	}
	if got := w.Load(); got != 11 {
		t.Errorf("expected 11, got %d", got)
	}
}

func TestWatermark_ConcurrentAdvanceKeepsMax(t *testing.T) {
	w := NewWatermark(0)

	var wg sync.WaitGroup
	for i := int64(1); i <= 100; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			w.Advance(v)
		}(i)
	}
	wg.Wait()

	if got := w.Load(); got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
}
