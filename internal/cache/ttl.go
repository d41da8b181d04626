// Package cache provides the bounded TTL caches, parameter-keyed result caches
// and the natural-day range cache used in front of the price store.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// TTL is a bounded cache whose entries expire after a fixed lifetime.
// When full, the oldest entry is evicted first. Expired entries are dropped on read.
type TTL[K comparable, V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	order      *list.List // front = oldest
	items      map[K]*list.Element
	now        func() time.Time
}

type ttlEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// NewTTL creates a cache holding at most maxEntries values for ttl each.
// maxEntries <= 0 means unbounded; ttl <= 0 means entries never expire.
func NewTTL[K comparable, V any](maxEntries int, ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		items:      make(map[K]*list.Element),
		now:        time.Now,
	}
}

// Get returns the value for key if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*ttlEntry[K, V])
	if c.ttl > 0 && !c.now().Before(e.expiresAt) {
		c.removeElement(el)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, replacing any previous value and resetting its age.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	e := &ttlEntry[K, V]{key: key, value: value, expiresAt: c.now().Add(c.ttl)}
	c.items[key] = c.order.PushBack(e)

	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		c.removeElement(c.order.Front())
	}
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// DeleteFunc removes every entry whose key matches.
func (c *TTL[K, V]) DeleteFunc(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, el := range c.items {
		if match(key) {
			c.removeElement(el)
			removed++
		}
	}
	return removed
}

// Clear removes every entry.
func (c *TTL[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[K]*list.Element)
}

// Len returns the number of entries, expired ones included until they are read.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *TTL[K, V]) removeElement(el *list.Element) {
	e := el.Value.(*ttlEntry[K, V])
	delete(c.items, e.key)
	c.order.Remove(el)
}
