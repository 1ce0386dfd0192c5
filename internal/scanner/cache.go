package scanner

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	key     uint64
	value   V
	expires time.Time
}

// ttlCache is a TTL cache with LRU eviction under a size cap. Scan cycles
// hit it with coarse fact-tuple hashes so unchanged markets skip the filter
// and scoring work between cycles.
type ttlCache[V any] struct {
	mu     sync.Mutex
	ttl    time.Duration
	cap    int
	ll     *list.List
	items  map[uint64]*list.Element
	hits   int64
	misses int64

	now func() time.Time
}

func newTTLCache[V any](capacity int, ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{
		ttl:   ttl,
		cap:   capacity,
		ll:    list.New(),
		items: make(map[uint64]*list.Element, capacity),
		now:   time.Now,
	}
}

// Get returns the cached value when present and unexpired. Expired entries
// are removed on access.
func (c *ttlCache[V]) Get(key uint64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	ent := el.Value.(*cacheEntry[V])
	if c.now().After(ent.expires) {
		c.removeLocked(el)
		c.misses++
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return ent.value, true
}

// Put stores a value, refreshing TTL and recency. The least recently used
// entry is evicted once the cap is exceeded.
func (c *ttlCache[V]) Put(key uint64, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*cacheEntry[V])
		ent.value = v
		ent.expires = expires
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheEntry[V]{key: key, value: v, expires: expires})
	c.items[key] = el
	if c.cap > 0 && c.ll.Len() > c.cap {
		if back := c.ll.Back(); back != nil {
			c.removeLocked(back)
		}
	}
}

func (c *ttlCache[V]) removeLocked(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*cacheEntry[V]).key)
}

// Len returns the number of resident entries, expired or not.
func (c *ttlCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Purge drops every entry.
func (c *ttlCache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[uint64]*list.Element, c.cap)
}

// Stats reports lifetime hits and misses.
func (c *ttlCache[V]) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
