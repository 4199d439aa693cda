// Package cache implements the bounded, concurrent, coalescing
// prediction cache. Entries are keyed by a uint64 produced by
// internal/model's KeyForInput or KeyForQuery; a single Cache instance
// is expected to use exactly one of the two derivations, never both,
// since nothing in the key itself records which variant produced it.
//
// Eviction uses a second-chance (CLOCK) ring: the ring is a slice of
// keys whose length always equals the number of live entries. A fetch
// that finds an entry sets its used bit. Eviction walks the ring from a
// persistent cursor, clearing the used bit and advancing past any entry
// it finds marked used or still pending, and reclaiming the first entry
// it finds neither. A newly inserted key is spliced into the ring at
// the cursor position, and the cursor then advances by one (modulo the
// ring's new, larger length), rather than a simple append.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ocx/modelserve/internal/future"
	"github.com/ocx/modelserve/internal/metrics"
	"github.com/ocx/modelserve/internal/model"
)

// RingInvariantViolation is panicked when the eviction ring's internal
// bookkeeping is found inconsistent with the entry map. This would
// only happen from a bug in this package, never from caller input, so
// it is not a returned error.
type RingInvariantViolation struct {
	Detail string
}

func (e RingInvariantViolation) Error() string {
	return fmt.Sprintf("cache: ring invariant violation: %s", e.Detail)
}

// entry is one cache slot. A pending entry has a non-nil waiters
// promise and no value; a completed entry has a value and nil promise.
type entry struct {
	used      bool
	completed bool
	size      int
	output    model.Output
	promise   *future.Promise[model.Output]
}

// Cache is a bounded, concurrent, coalescing prediction cache. The
// zero value is not usable; construct with New.
type Cache struct {
	mu sync.Mutex

	maxSizeBytes int
	sizeBytes    int

	entries map[uint64]*entry
	ring    []uint64
	idx     int

	logger *slog.Logger
	sink   metrics.Sink
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithLogger overrides the default discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetricsSink overrides the default no-op metrics sink.
func WithMetricsSink(s metrics.Sink) Option {
	return func(c *Cache) { c.sink = s }
}

// New constructs a Cache bounded to maxSizeBytes of completed-entry
// payload. A maxSizeBytes of 0 is valid and rejects every non-empty put.
func New(maxSizeBytes int, opts ...Option) *Cache {
	c := &Cache{
		maxSizeBytes: maxSizeBytes,
		entries:      make(map[uint64]*entry),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		sink:         metrics.NoOp{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the future for key, creating a pending entry (and
// reporting a miss) if none exists, or marking the existing entry used
// and returning its future if one does (reporting a hit when that entry
// is completed, a miss when it is still pending). Multiple
// concurrent callers racing Fetch for the same key coalesce onto the
// same single pending entry and the same future.
func (c *Cache) Fetch(key uint64) *future.Future[model.Output] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.used = true
		if e.completed {
			c.sink.CacheHit()
			return future.Ready(e.output.Clone())
		}
		c.sink.CacheMiss()
		return e.promise.Future()
	}

	c.sink.CacheMiss()
	e := &entry{promise: future.NewPromise[model.Output]()}
	c.entries[key] = e
	c.insertIntoRing(key)
	return e.promise.Future()
}

// Put completes the pending entry for key with value, or inserts an
// already-completed entry if no fetch preceded it. If value's size
// would push the cache over its bound, Put evicts via the second-chance
// ring until there is room or only pending entries remain; if the cache
// cannot make room (value alone exceeds maxSizeBytes, or every other
// entry is pending), the put is rejected, no entry is stored for a key
// that had none, and any waiters are left pending.
func (c *Cache) Put(key uint64, value model.Output) error {
	c.mu.Lock()

	if e, exists := c.entries[key]; exists && e.completed {
		// First-writer-wins: a completed entry never gets a second value.
		c.mu.Unlock()
		return nil
	}

	size := value.ByteSize()
	if size > c.maxSizeBytes {
		c.mu.Unlock()
		c.sink.CacheOversizeRejected()
		c.logger.Warn("cache: rejecting oversize put", "key", key, "size", size, "max", c.maxSizeBytes)
		return fmt.Errorf("cache: entry of %d bytes exceeds bound of %d bytes", size, c.maxSizeBytes)
	}

	for c.sizeBytes+size > c.maxSizeBytes {
		if !c.evictOnce(key) {
			c.mu.Unlock()
			c.sink.CacheOversizeRejected()
			c.logger.Warn("cache: could not make room for put", "key", key, "size", size)
			return fmt.Errorf("cache: no room for %d-byte entry under bound of %d bytes", size, c.maxSizeBytes)
		}
	}

	e, exists := c.entries[key]
	if !exists {
		e = &entry{promise: future.NewPromise[model.Output]()}
		c.entries[key] = e
		c.insertIntoRing(key)
	}

	e.completed = true
	e.size = size
	e.output = value.Clone()
	c.sizeBytes += size

	promise := e.promise
	e.promise = nil
	c.mu.Unlock()

	// Waiters are fulfilled outside the lock: fulfilling them while still
	// held would deadlock if a waiter's continuation re-entered the
	// cache from inside the completion callback.
	if promise != nil {
		promise.Fulfill(value.Clone())
	}
	return nil
}

// insertIntoRing splices key into the ring at the cursor position and
// advances the cursor. Caller must hold mu.
func (c *Cache) insertIntoRing(key uint64) {
	c.ring = append(c.ring, 0)
	copy(c.ring[c.idx+1:], c.ring[c.idx:len(c.ring)-1])
	c.ring[c.idx] = key
	c.idx = (c.idx + 1) % len(c.ring)
}

// evictOnce scans the ring from the cursor for the first entry that is
// neither used nor pending, reclaims it, and reports whether it found
// one. want is excluded from consideration so a put can't evict the
// entry it is itself about to complete. The scan covers up to two full
// rotations: the first clears used bits, so an entry that was marked
// used gets exactly one reprieve before the second rotation reclaims
// it. Only pending entries survive both rotations. Caller must hold mu.
func (c *Cache) evictOnce(want uint64) bool {
	n := 2 * len(c.ring)
	for i := 0; i < n; i++ {
		if c.idx >= len(c.ring) {
			panic(RingInvariantViolation{Detail: "cursor out of range mid-scan"})
		}
		key := c.ring[c.idx]
		e, ok := c.entries[key]
		if !ok {
			panic(RingInvariantViolation{Detail: fmt.Sprintf("ring references unknown key %d", key)})
		}

		if key != want && !e.used && e.completed {
			c.ring = append(c.ring[:c.idx], c.ring[c.idx+1:]...)
			delete(c.entries, key)
			c.sizeBytes -= e.size
			if len(c.ring) > 0 {
				c.idx = c.idx % len(c.ring)
			} else {
				c.idx = 0
			}
			c.sink.CacheEviction()
			return true
		}

		if e.used {
			e.used = false
		}
		c.idx = (c.idx + 1) % len(c.ring)
	}
	return false
}

// Len returns the number of live entries, for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SizeBytes returns the current accounted size of completed entries.
func (c *Cache) SizeBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeBytes
}

// FetchWait is a convenience combining Fetch with a context-bounded
// wait.
func (c *Cache) FetchWait(ctx context.Context, key uint64) (model.Output, error) {
	return c.Fetch(key).Wait(ctx)
}
