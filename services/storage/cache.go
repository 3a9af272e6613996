// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"strings"
	"sync"
	"time"
)

// readCache is an in-process TTL cache keyed by (table, key). Writes
// through the store invalidate their key; expired entries evict lazily
// on access. Entries hold the decoded Item, which callers must not
// mutate (the store hands back shared maps on cache hits).
type readCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	item    Item
	expires time.Time
}

func newReadCache(ttl time.Duration) *readCache {
	return &readCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func cacheKey(table string, key Key) string {
	return table + keySeparator + key.String()
}

func (c *readCache) get(table string, key Key) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(table, key)]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, cacheKey(table, key))
		return nil, false
	}
	return entry.item, true
}

func (c *readCache) put(table string, key Key, item Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(table, key)] = cacheEntry{
		item:    item,
		expires: c.now().Add(c.ttl),
	}
}

func (c *readCache) invalidate(table string, key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(table, key))
}

// invalidatePartition drops every cached item in one partition; used by
// bulk erasure, which does not know individual sort keys.
func (c *readCache) invalidatePartition(table, partition string) {
	prefix := table + keySeparator + partition
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k == prefix || strings.HasPrefix(k, prefix+keySeparator) {
			delete(c.entries, k)
		}
	}
}

// size reports live entry count; test hook.
func (c *readCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
