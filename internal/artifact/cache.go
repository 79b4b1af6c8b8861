// Package artifact serves agent APKs from local storage through a
// bounded in-memory cache.
package artifact

import (
	"container/list"
	"sync"
	"time"

	"droidfleet.sh/internal/metrics"
)

const (
	// DefaultCacheCapacity bounds total cached bytes.
	DefaultCacheCapacity = 200 << 20
	// DefaultCacheTTL bounds entry staleness so a re-uploaded build is
	// picked up without a restart.
	DefaultCacheTTL = time.Hour
)

type cacheEntry struct {
	key     string
	data    []byte
	addedAt time.Time
}

// Cache is an LRU byte cache with TTL expiry. Eviction is O(1) via the
// recency list.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	ttl      time.Duration
	size     int64
	order    *list.List // front = most recent
	items    map[string]*list.Element
	now      func() time.Time
}

// NewCache creates a cache with the given byte capacity and TTL.
func NewCache(capacity int64, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Get returns the cached bytes, or nil on miss or expiry.
func (c *Cache) Get(key string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		metrics.ArtifactCacheHits.WithLabelValues("miss").Inc()
		return nil
	}
	entry := el.Value.(*cacheEntry)
	if c.now().Sub(entry.addedAt) > c.ttl {
		c.removeLocked(el)
		metrics.ArtifactCacheHits.WithLabelValues("expired").Inc()
		return nil
	}
	c.order.MoveToFront(el)
	metrics.ArtifactCacheHits.WithLabelValues("hit").Inc()
	return entry.data
}

// Put stores data under key, evicting least-recently-used entries to
// stay under capacity. Oversized values are not cached.
func (c *Cache) Put(key string, data []byte) {
	if int64(len(data)) > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}

	for c.size+int64(len(data)) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}

	el := c.order.PushFront(&cacheEntry{key: key, data: data, addedAt: c.now()})
	c.items[key] = el
	c.size += int64(len(data))
}

// Invalidate drops one key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Size returns the cached byte total.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.items, entry.key)
	c.size -= int64(len(entry.data))
}
