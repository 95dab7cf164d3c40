// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Manager wraps a Cache with the cache-aside combinators repositories use, so
// call sites never re-implement the hit/miss bookkeeping.
type Manager[V Identifiable] struct {
	cache *Cache[V]
	group singleflight.Group
}

// NewManager wraps the cache.
func NewManager[V Identifiable](c *Cache[V]) *Manager[V] {
	return &Manager[V]{cache: c}
}

// Cache exposes the underlying cache for direct operations.
func (m *Manager[V]) Cache() *Cache[V] { return m.cache }

// WithOptionCaching performs a cache-aside single read: a hit returns
// immediately, a miss runs load (deduplicated across concurrent callers) and
// stores the result.
func (m *Manager[V]) WithOptionCaching(id int64, load func() (V, bool, error)) (V, bool, error) {
	if v, ok := m.cache.Get(id); ok {
		return v, true, nil
	}
	var zero V
	result, err, _ := m.group.Do(fmt.Sprintf("%d", id), func() (any, error) {
		if v, ok := m.cache.Get(id); ok {
			return v, nil
		}
		v, found, err := load()
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		m.cache.Add(v)
		return v, nil
	})
	if err != nil {
		return zero, false, err
	}
	if result == nil {
		return zero, false, nil
	}
	return result.(V), true, nil
}

// WithUpdatingCache reads through retrieve, applies update, and writes the
// result back to the cache.
func (m *Manager[V]) WithUpdatingCache(
	id int64,
	retrieve func(id int64) (V, bool, error),
	update func(V) (V, error),
) (V, bool, error) {
	var zero V
	current, found, err := m.WithOptionCaching(id, func() (V, bool, error) {
		return retrieve(id)
	})
	if err != nil || !found {
		return zero, false, err
	}
	updated, err := update(current)
	if err != nil {
		return zero, false, err
	}
	m.cache.Add(updated)
	return updated, true, nil
}

// WithIDListCaching partitions ids into hits and misses, bulk-loads only the
// misses, and caches everything loaded. Order of the result is unspecified.
func (m *Manager[V]) WithIDListCaching(load func(missing []int64) ([]V, error), ids []int64) ([]V, error) {
	hits := make([]V, 0, len(ids))
	missing := make([]int64, 0)
	for _, id := range ids {
		if v, ok := m.cache.Get(id); ok {
			hits = append(hits, v)
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return hits, nil
	}
	loaded, err := load(missing)
	if err != nil {
		return nil, err
	}
	for _, v := range loaded {
		m.cache.Add(v)
	}
	return append(hits, loaded...), nil
}

// WithCacheIDDeletion invalidates the ids before running fn, so a failed fn
// never leaves stale entries behind.
func (m *Manager[V]) WithCacheIDDeletion(fn func() error, ids []int64) error {
	for _, id := range ids {
		m.cache.Remove(id)
	}
	return fn()
}

// WithCacheNameDeletion invalidates by name before running fn.
func (m *Manager[V]) WithCacheNameDeletion(fn func() error, names []string) error {
	for _, name := range names {
		m.cache.RemoveByName(name)
	}
	return fn()
}
