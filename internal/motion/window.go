package motion

import (
	"sync"
	"sync/atomic"
)

// DefaultWindowSize is the number of analysis frames the activity history
// retains.
const DefaultWindowSize = 120

// Window is a fixed-capacity sliding history of activity bits.
// Append is called from the analysis callback; Sum may be read concurrently
// from any goroutine without blocking the writer.
type Window struct {
	mu    sync.Mutex
	bits  []bool
	head  int // index of the oldest bit
	count int

	sum atomic.Int64
}

// NewWindow creates an empty window holding at most capacity bits.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{bits: make([]bool, capacity)}
}

// Append records one activity bit, evicting the oldest one when full.
func (w *Window) Append(active bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	capacity := len(w.bits)
	if w.count == capacity {
		if w.bits[w.head] {
			w.sum.Add(-1)
		}
		w.bits[w.head] = active
		w.head = (w.head + 1) % capacity
	} else {
		w.bits[(w.head+w.count)%capacity] = active
		w.count++
	}
	if active {
		w.sum.Add(1)
	}
}

// Sum returns the number of 1-bits currently retained.
func (w *Window) Sum() int {
	return int(w.sum.Load())
}

// Len returns how many bits are retained.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Cap returns the configured capacity.
func (w *Window) Cap() int {
	return len(w.bits)
}

// Reset forgets all history.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.bits {
		w.bits[i] = false
	}
	w.head, w.count = 0, 0
	w.sum.Store(0)
}
