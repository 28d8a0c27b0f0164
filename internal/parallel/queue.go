package parallel

import (
	"context"
	"sync"
	"time"

	"github.com/bft-labs/thlship/internal/domain"
)

// boundedQueue is a FIFO with a capacity. Waiters block on signal channels
// that are closed and replaced on every state change.
type boundedQueue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	notEmpty chan struct{}
	notFull  chan struct{}
	closed   bool
	err      error
}

func newBoundedQueue[T any](capacity int) *boundedQueue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &boundedQueue[T]{
		capacity: capacity,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

func (q *boundedQueue[T]) signal(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

// put appends item, waiting for room.
func (q *boundedQueue[T]) put(ctx context.Context, item T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return domain.ErrClosed
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, item)
			q.signal(&q.notEmpty)
			q.mu.Unlock()
			return nil
		}
		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// take removes the head item. It wakes at least every poll so a failure
// recorded with fail is reported even when nothing signals the queue.
func (q *boundedQueue[T]) take(ctx context.Context, poll time.Duration) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.signal(&q.notFull)
			q.mu.Unlock()
			return item, nil
		}
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return zero, err
		}
		if q.closed {
			q.mu.Unlock()
			return zero, domain.ErrClosed
		}
		wait := q.notEmpty
		q.mu.Unlock()

		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-wait:
		case <-t.C:
		}
		t.Stop()
	}
}

func (q *boundedQueue[T]) peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

func (q *boundedQueue[T]) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// fail records err; takers receive it once the queue is drained.
func (q *boundedQueue[T]) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		q.err = err
	}
	q.signal(&q.notEmpty)
	q.signal(&q.notFull)
}

func (q *boundedQueue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signal(&q.notEmpty)
	q.signal(&q.notFull)
}
