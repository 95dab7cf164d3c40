// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the size- and TTL-bounded in-memory cache used by hot
// read paths, plus the combinator API repositories use for cache-aside access.
package cache

import (
	"sync"
	"time"
)

// Default bounds. OSM element entries override the expiry per entry.
const (
	DefaultCacheLimit  = 10000
	DefaultCacheExpiry = 900 * time.Second
)

// Identifiable is implemented by every cacheable value: the value carries its
// own key, both numeric and by name.
type Identifiable interface {
	CacheID() int64
	CacheName() string
}

type entry[V Identifiable] struct {
	value      V
	accessTime time.Time
	addedTime  time.Time
	expiry     time.Duration
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.Sub(e.addedTime) >= e.expiry
}

// Cache is a thread-safe LRU cache with per-entry TTL. Values are indexed by
// id with a secondary name -> id map.
type Cache[V Identifiable] struct {
	mu      sync.RWMutex
	entries map[int64]*entry[V]
	names   map[string]int64
	limit   int
	expiry  time.Duration
	now     func() time.Time
}

// Option configures a Cache.
type Option[V Identifiable] func(*Cache[V])

// WithLimit overrides the capacity bound.
func WithLimit[V Identifiable](limit int) Option[V] {
	return func(c *Cache[V]) { c.limit = limit }
}

// WithExpiry overrides the default per-entry TTL.
func WithExpiry[V Identifiable](expiry time.Duration) Option[V] {
	return func(c *Cache[V]) { c.expiry = expiry }
}

// WithClock overrides the time source. Tests use this to force expiry.
func WithClock[V Identifiable](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// New creates a cache with the default bounds.
func New[V Identifiable](opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[int64]*entry[V]),
		names:   make(map[string]int64),
		limit:   DefaultCacheLimit,
		expiry:  DefaultCacheExpiry,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live entry for the id, refreshing its access time. An
// expired entry is removed and reported as a miss.
func (c *Cache[V]) Get(id int64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(id)
}

func (c *Cache[V]) getLocked(id int64) (V, bool) {
	var zero V
	e, ok := c.entries[id]
	if !ok {
		return zero, false
	}
	if e.expired(c.now()) {
		c.removeLocked(id)
		return zero, false
	}
	e.accessTime = c.now()
	return e.value, true
}

// Find looks an entry up by its name.
func (c *Cache[V]) Find(name string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	id, ok := c.names[name]
	if !ok {
		return zero, false
	}
	return c.getLocked(id)
}

// Add stores a value, optionally with a per-entry TTL override. At capacity
// the least-recently-accessed live entry is evicted first.
func (c *Cache[V]) Add(value V, ttl ...time.Duration) V {
	expiry := c.expiry
	if len(ttl) > 0 && ttl[0] > 0 {
		expiry = ttl[0]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := value.CacheID()
	if _, exists := c.entries[id]; !exists && len(c.entries) >= c.limit {
		c.evictLocked()
	}
	// Capacity invariant check; clear defensively if eviction fell behind.
	if len(c.entries) > c.limit {
		c.clearLocked()
	}

	now := c.now()
	c.entries[id] = &entry[V]{value: value, accessTime: now, addedTime: now, expiry: expiry}
	c.names[value.CacheName()] = id
	return value
}

// evictLocked drops the least-recently-accessed live entry; expired entries
// are removed on sight.
func (c *Cache[V]) evictLocked() {
	now := c.now()
	var oldestID int64
	var oldest time.Time
	found := false
	for id, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(id)
			continue
		}
		if !found || e.accessTime.Before(oldest) {
			oldestID, oldest, found = id, e.accessTime, true
		}
	}
	if found && len(c.entries) >= c.limit {
		c.removeLocked(oldestID)
	}
}

// Remove drops the entry with the id. Returns the removed value when present.
func (c *Cache[V]) Remove(id int64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.entries[id]
	if !ok {
		return zero, false
	}
	c.removeLocked(id)
	return e.value, true
}

// RemoveByName drops the entry with the name.
func (c *Cache[V]) RemoveByName(name string) (V, bool) {
	c.mu.Lock()
	id, ok := c.names[name]
	c.mu.Unlock()
	if !ok {
		var zero V
		return zero, false
	}
	return c.Remove(id)
}

func (c *Cache[V]) removeLocked(id int64) {
	if e, ok := c.entries[id]; ok {
		delete(c.names, e.value.CacheName())
		delete(c.entries, id)
	}
}

// Clear drops every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Cache[V]) clearLocked() {
	c.entries = make(map[int64]*entry[V])
	c.names = make(map[string]int64)
}

// Size counts all entries, live or not.
func (c *Cache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TrueSize sweeps expired entries and counts what remains.
func (c *Cache[V]) TrueSize() int {
	c.SweepExpired()
	return c.Size()
}

// SweepExpired removes every expired entry. The scheduler calls this
// periodically so idle caches do not pin memory for a full TTL.
func (c *Cache[V]) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for id, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(id)
			removed++
		}
	}
	return removed
}

// IsCached reports whether a live entry exists without refreshing access time.
func (c *Cache[V]) IsCached(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return ok && !e.expired(c.now())
}
