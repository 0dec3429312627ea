// ABOUTME: Thread-safe TTL set for suppressing repeated reports
// ABOUTME: Used by the stats checker so one drifted conversation is logged once per window

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/convstore/internal/clock"
)

// cacheEntry stores when a key was marked and its place in the order list.
type cacheEntry struct {
	marked  time.Time
	element *list.Element
}

// Cache is a TTL-based, size-limited set of recently seen keys.
// The order list is kept in mark order (oldest at front), so expired
// entries are always a prefix of it and are swept on every write.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

// New creates a cache with the given TTL and maximum size. A nil clock uses
// the system clock.
func New(ttl time.Duration, maxSize int, c clock.Clock) *Cache {
	if c == nil {
		c = clock.System()
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   c,
	}
}

// Check returns true if the key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	return ok && c.clock.Now().Sub(entry.marked) < c.ttl
}

// CheckAndMark atomically checks a key and marks it if it was not live.
// Returns true if the key was already seen within the TTL.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if entry, ok := c.seen[key]; ok && now.Sub(entry.marked) < c.ttl {
		return true
	}
	c.markLocked(key, now)
	return false
}

// Mark records the key as seen now, evicting the oldest entry at capacity.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key, c.clock.Now())
}

// Forget removes a key, so the next CheckAndMark reports it again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of entries, expired ones included until the next write.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string, now time.Time) {
	c.sweepLocked(now)

	if entry, ok := c.seen[key]; ok {
		entry.marked = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.removeFront()
	}

	c.seen[key] = &cacheEntry{
		marked:  now,
		element: c.order.PushBack(key),
	}
}

// sweepLocked drops expired entries from the front of the order list.
func (c *Cache) sweepLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if now.Sub(c.seen[key].marked) < c.ttl {
			return
		}
		c.removeFront()
	}
}

func (c *Cache) removeFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
