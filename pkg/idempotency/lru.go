package idempotency

import (
	"container/list"
	"sync"
	"time"
)

// lruCache is a small fixed-capacity, TTL-aware LRU used as the
// in-process fallback when the durable store's round trip errors or times
// out.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

type lruEntry struct {
	key     string
	expires time.Time
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// claim records key as seen and reports whether it was fresh (true) or a
// duplicate observed within the TTL (false).
func (c *lruCache) claim(key string) (fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpired()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*lruEntry)
		if c.ttl <= 0 || c.now().Before(e.expires) {
			c.ll.MoveToFront(el)
			return false
		}
		// Expired: treat as fresh and refresh it below.
		c.ll.Remove(el)
		delete(c.items, key)
	}

	var expires time.Time
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}
	el := c.ll.PushFront(&lruEntry{key: key, expires: expires})
	c.items[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
	return true
}

// evictExpired must be called with mu held.
func (c *lruCache) evictExpired() {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	for {
		back := c.ll.Back()
		if back == nil {
			return
		}
		e := back.Value.(*lruEntry)
		if now.Before(e.expires) {
			return
		}
		c.ll.Remove(back)
		delete(c.items, e.key)
	}
}
