// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	id   int64
	name string
}

func (i item) CacheID() int64    { return i.id }
func (i item) CacheName() string { return i.name }

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(limit int, expiry time.Duration) (*Cache[item], *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return New(WithLimit[item](limit), WithExpiry[item](expiry), WithClock[item](clock.Now)), clock
}

func TestGetAddRemove(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)

	c.Add(item{1, "one"})
	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "one", got.name)

	got, ok = c.Find("one")
	require.True(t, ok)
	assert.Equal(t, int64(1), got.id)

	_, ok = c.Get(2)
	assert.False(t, ok)

	_, removed := c.Remove(1)
	assert.True(t, removed)
	_, ok = c.Get(1)
	assert.False(t, ok)
	_, ok = c.Find("one")
	assert.False(t, ok)
}

func TestExpiryIsAMiss(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)
	c.Add(item{1, "one"})

	clock.Advance(time.Minute + time.Second)

	_, ok := c.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size(), "expired entry must be removed on miss")
}

func TestPerEntryTTLOverride(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)
	c.Add(item{1, "short"}, 10*time.Second)
	c.Add(item{2, "long"})

	clock.Advance(30 * time.Second)

	_, ok := c.Get(1)
	assert.False(t, ok)
	_, ok = c.Get(2)
	assert.True(t, ok)
}

func TestLRUEviction(t *testing.T) {
	c, clock := newTestCache(3, time.Hour)
	c.Add(item{1, "a"})
	clock.Advance(time.Second)
	c.Add(item{2, "b"})
	clock.Advance(time.Second)
	c.Add(item{3, "c"})
	clock.Advance(time.Second)

	// Touch 1 so 2 becomes the least recently accessed.
	_, ok := c.Get(1)
	require.True(t, ok)
	clock.Advance(time.Second)

	c.Add(item{4, "d"})

	assert.True(t, c.IsCached(1))
	assert.False(t, c.IsCached(2))
	assert.True(t, c.IsCached(3))
	assert.True(t, c.IsCached(4))
	assert.Equal(t, 3, c.Size())
}

func TestTrueSizeSweeps(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)
	c.Add(item{1, "a"})
	c.Add(item{2, "b"}, 5*time.Second)

	clock.Advance(10 * time.Second)

	assert.Equal(t, 2, c.Size())
	assert.Equal(t, 1, c.TrueSize())
	assert.Equal(t, 1, c.Size())
}

func TestClear(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	c.Add(item{1, "a"})
	c.Add(item{2, "b"})
	c.Clear()
	assert.Equal(t, 0, c.Size())
	_, ok := c.Find("a")
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := int64(j % 50)
				c.Add(item{id, fmt.Sprintf("n%d", id)})
				c.Get(id)
				c.IsCached(id)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Size(), 100)
}

func TestWithOptionCaching(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	m := NewManager(c)

	loads := 0
	load := func() (item, bool, error) {
		loads++
		return item{7, "seven"}, true, nil
	}

	got, found, err := m.WithOptionCaching(7, load)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "seven", got.name)

	_, _, err = m.WithOptionCaching(7, load)
	require.NoError(t, err)
	assert.Equal(t, 1, loads, "second read must be served from cache")
}

func TestWithOptionCachingMiss(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	m := NewManager(c)

	_, found, err := m.WithOptionCaching(9, func() (item, bool, error) {
		return item{}, false, nil
	})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWithUpdatingCache(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	m := NewManager(c)

	retrieve := func(id int64) (item, bool, error) { return item{id, "old"}, true, nil }
	update := func(v item) (item, error) { v.name = "new"; return v, nil }

	got, found, err := m.WithUpdatingCache(3, retrieve, update)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", got.name)

	cached, ok := c.Get(3)
	require.True(t, ok)
	assert.Equal(t, "new", cached.name, "update must write through")
}

func TestWithIDListCaching(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	m := NewManager(c)
	c.Add(item{1, "a"})

	var asked []int64
	load := func(missing []int64) ([]item, error) {
		asked = missing
		out := make([]item, 0, len(missing))
		for _, id := range missing {
			out = append(out, item{id, fmt.Sprintf("n%d", id)})
		}
		return out, nil
	}

	got, err := m.WithIDListCaching(load, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, asked, "load must only see the misses")
	assert.Len(t, got, 3)
	assert.True(t, c.IsCached(2))
	assert.True(t, c.IsCached(3))
}

func TestWithCacheIDDeletion(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	m := NewManager(c)
	c.Add(item{1, "a"})
	c.Add(item{2, "b"})

	ran := false
	err := m.WithCacheIDDeletion(func() error { ran = true; return nil }, []int64{1, 2})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, c.IsCached(1))
	assert.False(t, c.IsCached(2))
}

func TestVersionedCache(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	c := NewVersioned[string, string](time.Minute)
	c.SetClock(clock.Now)

	c.Put("node/42", 7, "v7")
	c.Put("node/42", 8, "v8")

	got, ok := c.Get("node/42", 7)
	require.True(t, ok)
	assert.Equal(t, "v7", got)

	got, ok = c.Get("node/42", 0)
	require.True(t, ok)
	assert.Equal(t, "v8", got, "version <= 0 returns the newest snapshot")

	_, ok = c.Get("node/42", 9)
	assert.False(t, ok)

	assert.Equal(t, 2, c.Size())
}

func TestVersionedCacheExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	c := NewVersioned[string, string](time.Minute)
	c.SetClock(clock.Now)

	c.Put("node/42", 7, "v7", 10*time.Second)
	c.Put("node/42", 8, "v8")

	clock.Advance(30 * time.Second)

	_, ok := c.Get("node/42", 7)
	assert.False(t, ok, "individually expired version must miss")
	got, ok := c.Get("node/42", 0)
	require.True(t, ok)
	assert.Equal(t, "v8", got)

	assert.Equal(t, 1, c.SweepExpired())
	assert.Equal(t, 1, c.Size())
}
