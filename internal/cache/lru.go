// Package cache provides the three cache tiers and their facade: an
// in-process LRU (L1), a shared redis store (L2), and a query-result
// layer (L3) built on top of the other two.
package cache

import (
	"container/list"
	"path"
	"sync"
	"time"
)

// LRU is the bounded in-process tier. Lookups and inserts are O(1);
// the least recently used entry is evicted under capacity pressure.
type LRU struct {
	mu        sync.Mutex
	capacity  int
	data      map[string]*list.Element
	order     *list.List
	hits      uint64
	misses    uint64
	evictions uint64
}

type lruEntry struct {
	key     string
	value   []byte
	expires time.Time // zero means no expiry
}

// NewLRU constructs an LRU holding at most capacity entries.
func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 100
	}
	return &LRU{
		capacity: capacity,
		data:     make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the cached value and refreshes its recency. Expired
// entries are removed and reported as misses.
func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.data[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*lruEntry)
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		c.order.Remove(elem)
		delete(c.data, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Set stores the value, evicting from the back when full. A ttl <= 0
// means the entry never expires on its own.
func (c *LRU) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	if elem, ok := c.data[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expires = expires
		c.order.MoveToFront(elem)
		return
	}

	for len(c.data) >= c.capacity {
		back := c.order.Back()
		delete(c.data, back.Value.(*lruEntry).key)
		c.order.Remove(back)
		c.evictions++
	}
	c.data[key] = c.order.PushFront(&lruEntry{key: key, value: value, expires: expires})
}

// Delete removes a key if present.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.data[key]; ok {
		c.order.Remove(elem)
		delete(c.data, key)
	}
}

// DeletePattern removes every key matching the glob pattern
// (e.g. "video:m1:*").
func (c *LRU) DeletePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.data {
		if ok, _ := path.Match(pattern, key); ok {
			c.order.Remove(elem)
			delete(c.data, key)
			removed++
		}
	}
	return removed
}

// Len returns the current entry count.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Stats returns a snapshot of the tier's counters.
func (c *LRU) Stats() TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return newTierStats("l1", c.hits, c.misses, c.evictions, len(c.data))
}
