// SPDX-License-Identifier: MPL-2.0

// Package cache implements the engine's result cache: content-addressed,
// TTL- and size-bounded, with single-flight coalescing so at most one
// computation runs per key even under concurrent awaiters.
package cache

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// entry is a cached value plus the bookkeeping needed for TTL expiry and
// LRU eviction.
type entry struct {
	key       string
	value     any
	sizeBytes int64
	createdAt time.Time
	ttl       time.Duration
	elem      *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// Cache is an in-memory, single-flight, TTL- and size-bounded result cache.
// The zero value is not usable; construct with New.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	lru       *list.List // front = most recently used
	maxBytes  int64
	curBytes  int64
	group     singleflight.Group
}

// New creates a Cache bounded to maxBytes total cached payload size. A
// non-positive maxBytes means unbounded.
func New(maxBytes int64) *Cache {
	return &Cache{
		entries:  make(map[string]*entry),
		lru:      list.New(),
		maxBytes: maxBytes,
	}
}

// Get returns a cached value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		c.removeLocked(e)
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	return e.value, true
}

// Do coalesces concurrent calls for the same key into a single invocation of
// fn, then stores the result with sizeBytes and ttl for subsequent Get calls.
func (c *Cache) Do(key string, ttl time.Duration, sizeBytes func(any) int64, fn func() (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check: another goroutine may have populated the cache while we
		// were waiting to enter the singleflight group.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		result, err := fn()
		if err != nil {
			return nil, err
		}
		var size int64
		if sizeBytes != nil {
			size = sizeBytes(result)
		}
		c.put(key, result, ttl, size)
		return result, nil
	})
	return v, err
}

func (c *Cache) put(key string, value any, ttl time.Duration, sizeBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.removeLocked(existing)
	}

	e := &entry{key: key, value: value, sizeBytes: sizeBytes, createdAt: time.Now(), ttl: ttl}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.curBytes += sizeBytes

	c.evictLocked()
}

// evictLocked brings total size back within bounds: expired entries go
// first, then the least recently used ones (at the back of the LRU list).
func (c *Cache) evictLocked() {
	if c.maxBytes <= 0 {
		return
	}
	now := time.Now()
	if c.curBytes > c.maxBytes {
		for _, e := range c.entries {
			if e.expired(now) {
				c.removeLocked(e)
			}
		}
	}
	for c.curBytes > c.maxBytes {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		if !e.expired(now) && c.lru.Len() == 1 {
			// Only one entry left and it isn't expired: nothing safe to evict.
			return
		}
		c.removeLocked(e)
	}
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	c.curBytes -= e.sizeBytes
}

// Purge drops every expired entry; intended for a periodic janitor. Get
// drops only the expired entry it looks up, and an insert that exceeds the
// size bound drops expired entries before LRU ones.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
