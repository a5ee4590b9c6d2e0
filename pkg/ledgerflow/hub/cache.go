package hub

import (
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	value   any
	expires time.Time
}

// ttlCache stores values with an absolute expiry. Every invalidation bumps
// the generation; a load that started under an older generation is not
// cached.
type ttlCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	gen     uint64
	now     func() time.Time
}

func newTTLCache(now func() time.Time) *ttlCache {
	return &ttlCache{entries: make(map[string]cacheEntry), now: now}
}

func (c *ttlCache) get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	return e.value, true
}

// generation returns the current invalidation generation.
func (c *ttlCache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// set stores value unless an invalidation happened since gen was read. It
// also drops expired entries. It reports whether value was stored.
func (c *ttlCache) set(key string, value any, ttl time.Duration, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	if gen != c.gen {
		return false
	}
	c.entries[key] = cacheEntry{value: value, expires: now.Add(ttl)}
	return true
}

// invalidate drops every key containing pattern and returns how many were
// dropped.
func (c *ttlCache) invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	n := 0
	for k := range c.entries {
		if strings.Contains(k, pattern) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *ttlCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
