package buffer

import (
	"sync"

	"github.com/cynsky/AisVirtualNet/errors"
)

type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool
	notFull  *sync.Cond
	ready    chan struct{}
	stats    counters
	opts     *options[T]
}

func newCircularBuffer[T any](capacity int, opts *options[T]) *circularBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		opts:     opts,
	}
	cb.notFull = sync.NewCond(&cb.mu)
	return cb
}

func (cb *circularBuffer[T]) Write(item T) error {
	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed")
	}

	var dropped *T
	if cb.size == cb.capacity {
		switch cb.opts.policy {
		case DropOldest:
			old := cb.items[cb.tail]
			var zero T
			cb.items[cb.tail] = zero
			cb.tail = (cb.tail + 1) % cb.capacity
			cb.size--
			dropped = &old
		case DropNewest:
			cb.stats.drops.Add(1)
			cb.mu.Unlock()
			if cb.opts.onDrop != nil {
				cb.opts.onDrop(item)
			}
			return nil
		case Block:
			for cb.size == cb.capacity && !cb.closed {
				cb.notFull.Wait()
			}
			if cb.closed {
				cb.mu.Unlock()
				return errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed during blocking wait")
			}
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++
	cb.stats.writes.Add(1)
	cb.mu.Unlock()

	select {
	case cb.ready <- struct{}{}:
	default:
	}

	if dropped != nil {
		cb.stats.drops.Add(1)
		if cb.opts.onDrop != nil {
			cb.opts.onDrop(*dropped)
		}
	}
	return nil
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	cb.stats.reads.Add(1)
	cb.notFull.Signal()
	return item, true
}

func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := max
	if n > cb.size {
		n = cb.size
	}
	if n == 0 {
		return nil
	}

	var zero T
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
	}
	cb.size -= n
	cb.stats.reads.Add(int64(n))
	cb.notFull.Broadcast()
	return out
}

func (cb *circularBuffer[T]) Ready() <-chan struct{} {
	return cb.ready
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) Stats() Stats {
	return cb.stats.snapshot()
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	cb.notFull.Broadcast()
	return nil
}
