package snapshot

import (
	"math"
	"sync"
	"time"
)

// changeCache remembers the last recorded value per control point so unchanged
// values are not written again until the entry expires.
type changeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	epsilon float64
	data    map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	v  float64
	at time.Time
}

// newChangeCache creates a cache with the given TTL. If ttl <= 0, it defaults to 1h.
func newChangeCache(ttl time.Duration, epsilon float64) *changeCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if epsilon < 0 {
		epsilon = 0
	}
	return &changeCache{ttl: ttl, epsilon: epsilon, data: make(map[string]cacheEntry, 1024), now: time.Now}
}

// changed reports whether v differs from the cached value for key, or the
// entry is missing or expired. A changed value replaces the entry.
func (c *changeCache) changed(key string, v float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.data[key]; ok && now.Sub(e.at) <= c.ttl && floatsEqual(e.v, v, c.epsilon) {
		return false
	}
	c.data[key] = cacheEntry{v: v, at: now}
	return true
}

// forget drops every entry not in keep.
func (c *changeCache) forget(keep map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		if !keep[k] {
			delete(c.data, k)
		}
	}
}

func floatsEqual(a, b, epsilon float64) bool {
	return math.Abs(a-b) <= epsilon
}
