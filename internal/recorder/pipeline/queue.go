package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Push after Close and by Pop once a closed
// queue has been drained.
var ErrQueueClosed = errors.New("clip queue closed")

// ClipDescriptor describes one finished motion session awaiting persistence.
type ClipDescriptor struct {
	ID            string
	PreEvent      []byte // stream bytes captured before the trigger
	PostEventPath string // temp file holding everything recorded after it
	TriggeredAt   time.Time
	EndedAt       time.Time
}

// ClipQueue is an unbounded FIFO between the motion session and the clip
// writer. Push never blocks.
type ClipQueue struct {
	mu     sync.Mutex
	items  []ClipDescriptor
	notify chan struct{}
	closed bool
}

// NewClipQueue creates an empty queue.
func NewClipQueue() *ClipQueue {
	return &ClipQueue{notify: make(chan struct{}, 1)}
}

// Push appends d to the tail.
func (q *ClipQueue) Push(d ClipDescriptor) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, d)
	// Signalled under the lock so Close cannot close notify in between.
	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return nil
}

// Pop removes the head, blocking until an item is available, the queue is
// closed and empty, or ctx is done.
func (q *ClipQueue) Pop(ctx context.Context) (ClipDescriptor, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			d := q.items[0]
			q.items[0] = ClipDescriptor{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()
			return d, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return ClipDescriptor{}, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return ClipDescriptor{}, ctx.Err()
		}
	}
}

// TryPop removes the head without blocking.
func (q *ClipQueue) TryPop() (ClipDescriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return ClipDescriptor{}, false
	}
	d := q.items[0]
	q.items[0] = ClipDescriptor{}
	q.items = q.items[1:]
	return d, true
}

// Close stops further pushes. Items already queued remain poppable.
func (q *ClipQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.notify)
	q.mu.Unlock()
}

// Len returns the number of queued items.
func (q *ClipQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
