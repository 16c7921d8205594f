// Package buffer provides a generic, thread-safe bounded queue with overflow policies.
//
// Writers never wait on readers unless the Block policy is selected, which keeps
// a producer fanning out to many consumers independent of the slowest one.
package buffer

import "sync/atomic"

// Buffer is a bounded FIFO of items of type T.
type Buffer[T any] interface {
	// Write adds an item, applying the overflow policy when full.
	Write(item T) error

	// Read removes the oldest item. ok is false when the buffer is empty.
	Read() (item T, ok bool)

	// ReadBatch removes up to max items in FIFO order.
	ReadBatch(max int) []T

	// Ready is signalled after a write; a consumer drains with ReadBatch when it fires.
	Ready() <-chan struct{}

	Size() int
	Capacity() int
	Stats() Stats

	// Close releases blocked writers and rejects further writes.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write to wait until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called with every item discarded by the overflow policy.
type DropCallback[T any] func(item T)

// Stats is a point-in-time copy of buffer counters.
type Stats struct {
	Writes int64
	Reads  int64
	Drops  int64
}

type counters struct {
	writes atomic.Int64
	reads  atomic.Int64
	drops  atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{Writes: c.writes.Load(), Reads: c.reads.Load(), Drops: c.drops.Load()}
}

// Option configures a buffer.
type Option[T any] func(*options[T])

type options[T any] struct {
	policy OverflowPolicy
	onDrop DropCallback[T]
}

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *options[T]) {
		o.policy = policy
	}
}

// WithDropCallback registers a callback for dropped items.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(o *options[T]) {
		o.onDrop = callback
	}
}

// NewCircularBuffer creates a circular buffer with the given capacity (minimum 1).
func NewCircularBuffer[T any](capacity int, opts ...Option[T]) Buffer[T] {
	o := &options[T]{policy: DropOldest}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return newCircularBuffer(capacity, o)
}
