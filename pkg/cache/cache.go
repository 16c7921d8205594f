// Package cache provides a generic, thread-safe TTL cache.
//
// Entries live in a sync.Map so writers to different keys never contend on a
// shared lock; a background sweeper removes expired entries.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EvictCallback is called when an entry expires or is deleted.
type EvictCallback[K comparable, V any] func(key K, value V)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Stats holds cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Evictions int64
}

// Option configures a TTL cache.
type Option[K comparable, V any] func(*TTL[K, V])

// WithEvictionCallback sets a callback for removed entries.
func WithEvictionCallback[K comparable, V any](fn EvictCallback[K, V]) Option[K, V] {
	return func(c *TTL[K, V]) {
		c.onEvict = fn
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *TTL[K, V]) {
		if now != nil {
			c.now = now
		}
	}
}

// TTL is a cache whose entries expire a fixed duration after their last Set.
type TTL[K comparable, V any] struct {
	ttl     time.Duration
	items   sync.Map // K -> *entry[V]
	onEvict EvictCallback[K, V]
	now     func() time.Time

	hits, misses, sets, evictions atomic.Int64

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTTL creates a TTL cache. When cleanupInterval is positive a sweeper runs
// until ctx is cancelled or Close is called.
func NewTTL[K comparable, V any](ctx context.Context, ttl, cleanupInterval time.Duration, opts ...Option[K, V]) *TTL[K, V] {
	c := &TTL[K, V]{
		ttl:      ttl,
		now:      time.Now,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if cleanupInterval > 0 {
		go c.cleanup(ctx, cleanupInterval)
	} else {
		close(c.done)
	}
	return c
}

// Get returns the value for key if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	var zero V
	raw, ok := c.items.Load(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	e := raw.(*entry[V])
	if e.expired(c.now()) {
		if c.items.CompareAndDelete(key, raw) {
			c.evicted(key, e.value)
		}
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key and restarts its TTL. Returns true if the key was new.
func (c *TTL[K, V]) Set(key K, value V) bool {
	_, loaded := c.items.Swap(key, &entry[V]{value: value, expiresAt: c.now().Add(c.ttl)})
	c.sets.Add(1)
	return !loaded
}

// Delete removes key. Returns true if it existed.
func (c *TTL[K, V]) Delete(key K) bool {
	raw, ok := c.items.LoadAndDelete(key)
	if ok {
		c.evicted(key, raw.(*entry[V]).value)
	}
	return ok
}

// Len counts live entries.
func (c *TTL[K, V]) Len() int {
	n := 0
	now := c.now()
	c.items.Range(func(_, raw any) bool {
		if !raw.(*entry[V]).expired(now) {
			n++
		}
		return true
	})
	return n
}

// Stats returns a copy of the counters.
func (c *TTL[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Evictions: c.evictions.Load(),
	}
}

// RemoveExpired deletes every expired entry and returns how many were removed.
func (c *TTL[K, V]) RemoveExpired() int {
	now := c.now()
	removed := 0
	c.items.Range(func(k, raw any) bool {
		e := raw.(*entry[V])
		if e.expired(now) && c.items.CompareAndDelete(k, raw) {
			c.evicted(k.(K), e.value)
			removed++
		}
		return true
	})
	return removed
}

// Close stops the sweeper.
func (c *TTL[K, V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })
	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cache cleanup goroutine to finish")
	}
}

func (c *TTL[K, V]) evicted(key K, value V) {
	c.evictions.Add(1)
	if c.onEvict != nil {
		c.onEvict(key, value)
	}
}

func (c *TTL[K, V]) cleanup(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.RemoveExpired()
		}
	}
}
