package pusher

import (
	"sync"
	"sync/atomic"
)

// Deque is a FIFO queue. With a positive capacity it is bounded and evicts
// its oldest item on overflow, counting the eviction.
type Deque[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	dropped  atomic.Int64
	onDrop   func()
	ready    chan struct{}
}

// NewDeque creates a queue. capacity <= 0 means unbounded.
func NewDeque[T any](capacity int, onDrop func()) *Deque[T] {
	return &Deque[T]{
		capacity: capacity,
		onDrop:   onDrop,
		ready:    make(chan struct{}, 1),
	}
}

// Push appends item and reports whether an older item was evicted.
func (d *Deque[T]) Push(item T) bool {
	d.mu.Lock()
	d.items = append(d.items, item)
	evicted := d.trimLocked()
	d.mu.Unlock()

	d.signal()
	d.countDrops(evicted)
	return evicted > 0
}

// Requeue puts items back at the head in their original order. When that
// overflows the queue the oldest of them are evicted first.
func (d *Deque[T]) Requeue(items []T) {
	if len(items) == 0 {
		return
	}
	d.mu.Lock()
	merged := make([]T, 0, len(items)+len(d.items))
	merged = append(merged, items...)
	d.items = append(merged, d.items...)
	evicted := d.trimLocked()
	d.mu.Unlock()

	d.signal()
	d.countDrops(evicted)
}

// PopFront removes and returns the oldest item.
func (d *Deque[T]) PopFront() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero T
	if len(d.items) == 0 {
		return zero, false
	}
	item := d.items[0]
	d.items[0] = zero
	d.items = d.items[1:]
	return item, true
}

// Drain returns every queued item in FIFO order and empties the queue.
func (d *Deque[T]) Drain() []T {
	d.mu.Lock()
	defer d.mu.Unlock()

	items := d.items
	d.items = nil
	return items
}

func (d *Deque[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *Deque[T]) Cap() int { return d.capacity }

// Dropped is the number of items evicted on overflow.
func (d *Deque[T]) Dropped() int64 { return d.dropped.Load() }

// Ready fires after a push so idle consumers need not poll.
func (d *Deque[T]) Ready() <-chan struct{} { return d.ready }

func (d *Deque[T]) trimLocked() int {
	if d.capacity <= 0 || len(d.items) <= d.capacity {
		return 0
	}
	over := len(d.items) - d.capacity
	var zero T
	for i := 0; i < over; i++ {
		d.items[i] = zero
	}
	d.items = d.items[over:]
	return over
}

func (d *Deque[T]) signal() {
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

func (d *Deque[T]) countDrops(n int) {
	if n == 0 {
		return
	}
	d.dropped.Add(int64(n))
	if d.onDrop != nil {
		for i := 0; i < n; i++ {
			d.onDrop()
		}
	}
}
