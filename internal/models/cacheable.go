// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package models

// Cache identity methods. Names are unique per entity kind, so the cache can
// serve lookups by either key.

func (p *Project) CacheID() int64      { return p.ID }
func (p *Project) CacheName() string   { return p.Name }
func (c *Challenge) CacheID() int64    { return c.ID }
func (c *Challenge) CacheName() string { return c.Name }
func (u *User) CacheID() int64         { return u.ID }
func (u *User) CacheName() string      { return u.Name }
func (t *Task) CacheID() int64         { return t.ID }
func (t *Task) CacheName() string      { return t.Name }

// Tag names are only unique within a type, so the cache name carries both.
func (t *Tag) CacheID() int64    { return t.ID }
func (t *Tag) CacheName() string { return t.TagType + ":" + t.Name }
