// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"container/list"
	"sync"

	"github.com/cvmfs-contrib/gocvmfs/lib/catalog"
	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
)

// lruCache is the fixed-capacity LRU the three metadata caches share.
// Capacities are rounded up to a power of two that is a multiple of
// 64, matching the sizing the memcache budget is carved into.
//
// The cache can be paused (inserts rejected) and dropped (cleared);
// the remount drain-out uses both so that no stale entry survives a
// revision swap.
type lruCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	paused   bool
	entries  map[K]*list.Element
	order    *list.List // front = most recently used
}

type lruItem[K comparable, V any] struct {
	key   K
	value V
}

// roundCapacity rounds up to a power of two, at least 64.
func roundCapacity(requested int) int {
	capacity := 64
	for capacity < requested {
		capacity <<= 1
	}
	return capacity
}

func newLRUCache[K comparable, V any](requestedCapacity int) *lruCache[K, V] {
	return &lruCache[K, V]{
		capacity: roundCapacity(requestedCapacity),
		entries:  make(map[K]*list.Element),
		order:    list.New(),
	}
}

// insert adds or refreshes a key. No-op while paused.
func (c *lruCache[K, V]) insert(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return
	}

	if element, ok := c.entries[key]; ok {
		element.Value.(*lruItem[K, V]).value = value
		c.order.MoveToFront(element)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*lruItem[K, V]).key)
		}
	}
	c.entries[key] = c.order.PushFront(&lruItem[K, V]{key: key, value: value})
}

// lookup returns the value and refreshes its recency.
func (c *lruCache[K, V]) lookup(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(element)
	return element.Value.(*lruItem[K, V]).value, true
}

// forget removes a single key.
func (c *lruCache[K, V]) forget(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.entries[key]; ok {
		c.order.Remove(element)
		delete(c.entries, key)
	}
}

// pause rejects inserts until resume. Lookups keep working.
func (c *lruCache[K, V]) pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// resume re-enables inserts.
func (c *lruCache[K, V]) resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// drop clears the cache.
func (c *lruCache[K, V]) drop() {
	c.mu.Lock()
	c.entries = make(map[K]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

func (c *lruCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// MetaCaches are the three fixed-capacity caches in front of the
// catalog manager: inode to entry, inode to path, and MD5(path) to
// entry. The md5 cache also stores negative results so repeated
// lookups of absent paths stay off the catalogs.
//
// The capacity split mirrors the memcache budget: roughly one entry
// per 600 bytes of configured memcache, split 16:16:1 between
// the inode caches and the (smaller, negative-heavy) md5 cache.
type MetaCaches struct {
	inodeToEntry *lruCache[uint64, catalog.DirectoryEntry]
	inodeToPath  *lruCache[uint64, string]
	md5ToEntry   *lruCache[digest.PathHash, catalog.DirectoryEntry]
}

// NewMetaCaches sizes the caches from the memcache budget in bytes.
func NewMetaCaches(memcacheBytes int64) *MetaCaches {
	// Approximate per-entry footprint, as sized in the reference
	// client: 600 bytes per positive entry.
	total := int(memcacheBytes / 600)
	if total < 192 {
		total = 192
	}
	inodeShare := total * 16 / 33
	md5Share := total / 33

	return &MetaCaches{
		inodeToEntry: newLRUCache[uint64, catalog.DirectoryEntry](inodeShare),
		inodeToPath:  newLRUCache[uint64, string](inodeShare),
		md5ToEntry:   newLRUCache[digest.PathHash, catalog.DirectoryEntry](md5Share),
	}
}

// InsertEntry caches inode to entry.
func (m *MetaCaches) InsertEntry(inode uint64, entry catalog.DirectoryEntry) {
	m.inodeToEntry.insert(inode, entry)
}

// LookupEntry returns the cached entry for inode.
func (m *MetaCaches) LookupEntry(inode uint64) (catalog.DirectoryEntry, bool) {
	return m.inodeToEntry.lookup(inode)
}

// InsertPath caches inode to path.
func (m *MetaCaches) InsertPath(inode uint64, path string) {
	m.inodeToPath.insert(inode, path)
}

// LookupPath returns the cached path for inode.
func (m *MetaCaches) LookupPath(inode uint64) (string, bool) {
	return m.inodeToPath.lookup(inode)
}

// InsertMd5 caches a positive lookup result by path hash.
func (m *MetaCaches) InsertMd5(hash digest.PathHash, entry catalog.DirectoryEntry) {
	m.md5ToEntry.insert(hash, entry)
}

// InsertNegative caches a "no such path" result by path hash.
func (m *MetaCaches) InsertNegative(hash digest.PathHash) {
	m.md5ToEntry.insert(hash, catalog.NegativeEntry())
}

// LookupMd5 returns the cached entry for a path hash. The entry may
// be negative; callers check IsNegative.
func (m *MetaCaches) LookupMd5(hash digest.PathHash) (catalog.DirectoryEntry, bool) {
	return m.md5ToEntry.lookup(hash)
}

// ForgetInode invalidates the inode-keyed entries for inode. Called
// when a forget drops the tracker refcount to zero, so a stale
// pre-forget inode can never be served from the caches afterwards.
func (m *MetaCaches) ForgetInode(inode uint64) {
	m.inodeToEntry.forget(inode)
	m.inodeToPath.forget(inode)
}

// Pause rejects new inserts in all three caches.
func (m *MetaCaches) Pause() {
	m.inodeToEntry.pause()
	m.inodeToPath.pause()
	m.md5ToEntry.pause()
}

// Resume re-enables inserts.
func (m *MetaCaches) Resume() {
	m.inodeToEntry.resume()
	m.inodeToPath.resume()
	m.md5ToEntry.resume()
}

// Drop clears all three caches.
func (m *MetaCaches) Drop() {
	m.inodeToEntry.drop()
	m.inodeToPath.drop()
	m.md5ToEntry.drop()
}

// Len returns the total number of cached entries, for diagnostics.
func (m *MetaCaches) Len() int {
	return m.inodeToEntry.len() + m.inodeToPath.len() + m.md5ToEntry.len()
}
