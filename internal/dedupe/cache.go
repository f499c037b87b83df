// ABOUTME: Thread-safe TTL cache of recently seen envelope ids
// ABOUTME: Fast in-memory front for the durable envelope de-duplication index

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults sized for a single account's incoming traffic. The durable
// index is authoritative; the cache only short-circuits the common case
// of a redelivered envelope arriving shortly after the original.
const (
	DefaultTTL        = 10 * time.Minute
	DefaultMaxEntries = 4096
)

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache tracks envelope ids that were recently accepted for processing.
// It is a thread-safe, TTL-based, size-limited front in front of the
// durable de-dup index: a hit means "definitely a duplicate", a miss means
// "consult the index". Insertion order is kept in a doubly-linked list for
// O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // envelope ids in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. Zero values
// fall back to the defaults. A background goroutine periodically removes
// expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Check returns true if the envelope id was seen within the TTL
func (c *Cache) Check(envelopeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[envelopeID]
	if !ok {
		return false
	}
	return time.Since(entry.timestamp) < c.ttl
}

// CheckAndMark atomically checks whether the envelope id was seen and
// marks it if not. Returns true for a duplicate, false if the id is new
// and now marked. Atomicity matters: two concurrent deliveries of the
// same envelope must resolve to exactly one "new".
func (c *Cache) CheckAndMark(envelopeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[envelopeID]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}

	c.markLocked(envelopeID)
	return false
}

// Mark records an envelope id as seen. At capacity the oldest entry is
// evicted.
func (c *Cache) Mark(envelopeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(envelopeID)
}

// markLocked must be called with mu held
func (c *Cache) markLocked(envelopeID string) {
	now := time.Now()

	if entry, exists := c.seen[envelopeID]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(envelopeID)
	c.seen[envelopeID] = &cacheEntry{timestamp: now, element: elem}
}

// evictOldest must be called with mu held
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, id)
}

// Len returns the number of cached entries, expired or not
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, id)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
