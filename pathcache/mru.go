// Package pathcache implements the bounded most-recently-used path->key
// cache of §4.F: lookup/insert/remove in O(1) expected, behind a spin lock
// since every operation here is expected to be very fast (the same
// rationale original_source/lib/util/MRUCache.hpp gives for using a
// spinlock rather than a mutex). The sequenced+hashed-index structure that
// C++ original gets from boost::multi_index is, in Go, the standard
// container/list + map idiom for an MRU/LRU cache — no pack repo imports a
// third-party LRU cache (the only candidate, golang/groupcache, appears
// solely as an unused transitive dependency), so this is the grounded
// choice rather than a stdlib fallback.
package pathcache

import (
	"container/list"
	"runtime"
	"sync/atomic"

	"github.com/negativ/skvdb-sub000/record"
)

// DefaultCapacity is the convention from the design (§4.F): 1024 entries.
const DefaultCapacity = 1024

type entry struct {
	path string
	key  record.Key
}

// Cache is a bounded MRU map from simplified path to entry key.
type Cache struct {
	spin     spinLock
	capacity int
	ll       *list.List // front = most recently used
	index    map[string]*list.Element

	hits   uint64
	misses uint64
}

// New returns an empty Cache with the given capacity (DefaultCapacity if
// capacity <= 0).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Lookup returns the key cached for path, moving it to most-recently-used
// on a hit.
func (c *Cache) Lookup(path string) (record.Key, bool) {
	c.spin.Lock()
	defer c.spin.Unlock()

	el, ok := c.index[path]
	if !ok {
		c.misses++
		return record.InvalidKey, false
	}

	c.hits++
	c.ll.MoveToFront(el)
	return el.Value.(*entry).key, true
}

// Insert caches path -> key, evicting the least-recently-used entry if the
// cache is at capacity. Inserting an existing path updates its key and
// moves it to most-recently-used.
func (c *Cache) Insert(path string, key record.Key) {
	c.spin.Lock()
	defer c.spin.Unlock()

	if el, ok := c.index[path]; ok {
		el.Value.(*entry).key = key
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry{path: path, key: key})
	c.index[path] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*entry).path)
		}
	}
}

// Remove evicts path, if present.
func (c *Cache) Remove(path string) {
	c.spin.Lock()
	defer c.spin.Unlock()

	el, ok := c.index[path]
	if !ok {
		return
	}
	c.ll.Remove(el)
	delete(c.index, path)
}

// Stats mirrors original_source/lib/util/MRUCache.hpp's cacheHitCount /
// cacheMissCount counters (§ SUPPLEMENTED FEATURES).
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Stats returns the cache's current hit/miss/size counters.
func (c *Cache) Stats() Stats {
	c.spin.Lock()
	defer c.spin.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: c.ll.Len()}
}

// spinLock is a simple compare-and-swap spin lock (§5: "spin lock;
// O(1) sections only"), matching
// original_source/lib/util/SpinLock.hpp's compare-and-swap with a yield
// backoff.
type spinLock struct {
	locked int32
}

func (s *spinLock) Lock() {
	for !atomic.CompareAndSwapInt32(&s.locked, 0, 1) {
		runtime.Gosched()
	}
}

func (s *spinLock) Unlock() {
	atomic.StoreInt32(&s.locked, 0)
}
