package dedup

import "sync"

// DefaultCacheSize bounds the session cache when no size is configured.
const DefaultCacheSize = 1000

// SessionCache is a bounded, insertion-ordered set of external ids. When full
// it drops the oldest tenth of its entries (at least one) in one step.
type SessionCache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	members  map[string]struct{}
}

// NewSessionCache returns an empty cache holding at most capacity ids.
func NewSessionCache(capacity int) *SessionCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &SessionCache{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		members:  make(map[string]struct{}, capacity),
	}
}

// Contains reports whether id is cached.
func (c *SessionCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.members[id]
	return ok
}

// Add inserts id, evicting the oldest entries first when the cache is full.
// Re-adding a cached id does not refresh its position.
func (c *SessionCache) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[id]; ok {
		return
	}
	if len(c.order) >= c.capacity {
		c.evictLocked()
	}
	c.order = append(c.order, id)
	c.members[id] = struct{}{}
}

// Len returns the number of cached ids.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Capacity returns the configured bound.
func (c *SessionCache) Capacity() int {
	return c.capacity
}

func (c *SessionCache) evictLocked() {
	n := c.capacity / 10
	if n < 1 {
		n = 1
	}
	if n > len(c.order) {
		n = len(c.order)
	}
	for _, id := range c.order[:n] {
		delete(c.members, id)
	}
	kept := make([]string, len(c.order)-n, c.capacity)
	copy(kept, c.order[n:])
	c.order = kept
}
