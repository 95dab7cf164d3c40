// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"sync"
	"time"
)

// DefaultVersionedExpiry is the TTL for cached OSM element versions. OSM
// elements change rarely relative to task churn, so they live longer than
// domain entries.
const DefaultVersionedExpiry = 7200 * time.Second

type versionedEntry[V any] struct {
	value     V
	version   int
	addedTime time.Time
	expiry    time.Duration
}

func (e *versionedEntry[V]) expired(now time.Time) bool {
	return now.Sub(e.addedTime) >= e.expiry
}

// VersionedCache keeps a list of version-stamped snapshots per key. Several
// versions of one element may coexist; each entry expires independently. The
// eviction key is the element key, for OSM elements the "type/id" reference.
type VersionedCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K][]*versionedEntry[V]
	expiry  time.Duration
	now     func() time.Time
}

// NewVersioned creates a versioned cache with the given default TTL.
func NewVersioned[K comparable, V any](expiry time.Duration) *VersionedCache[K, V] {
	if expiry <= 0 {
		expiry = DefaultVersionedExpiry
	}
	return &VersionedCache[K, V]{
		entries: make(map[K][]*versionedEntry[V]),
		expiry:  expiry,
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *VersionedCache[K, V]) SetClock(now func() time.Time) { c.now = now }

// Put stores a snapshot of the element at the version, replacing any existing
// snapshot of the same version.
func (c *VersionedCache[K, V]) Put(key K, version int, value V, ttl ...time.Duration) {
	expiry := c.expiry
	if len(ttl) > 0 && ttl[0] > 0 {
		expiry = ttl[0]
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	versions := c.entries[key]
	for _, e := range versions {
		if e.version == version {
			e.value = value
			e.addedTime = now
			e.expiry = expiry
			return
		}
	}
	c.entries[key] = append(versions, &versionedEntry[V]{
		value: value, version: version, addedTime: now, expiry: expiry,
	})
}

// Get returns the snapshot at the exact version, or the newest live version
// when version <= 0.
func (c *VersionedCache[K, V]) Get(key K, version int) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var zero V
	now := c.now()
	var best *versionedEntry[V]
	for _, e := range c.entries[key] {
		if e.expired(now) {
			continue
		}
		if version > 0 {
			if e.version == version {
				return e.value, true
			}
			continue
		}
		if best == nil || e.version > best.version {
			best = e
		}
	}
	if best == nil {
		return zero, false
	}
	return best.value, true
}

// Remove drops every cached version of the key.
func (c *VersionedCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// SweepExpired removes lapsed snapshots and empty key slots.
func (c *VersionedCache[K, V]) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, versions := range c.entries {
		live := versions[:0]
		for _, e := range versions {
			if e.expired(now) {
				removed++
				continue
			}
			live = append(live, e)
		}
		if len(live) == 0 {
			delete(c.entries, key)
		} else {
			c.entries[key] = live
		}
	}
	return removed
}

// Size counts live snapshots across all keys.
func (c *VersionedCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	total := 0
	for _, versions := range c.entries {
		for _, e := range versions {
			if !e.expired(now) {
				total++
			}
		}
	}
	return total
}
