package offlinecache

import (
	"sync"
	"time"
)

// TTLCache is an ephemeral scalar cache with write-time expiry. Values live
// for the TTL given at Put; a read at or past the deadline reports absent and
// physically removes the entry.
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]ttlEntry
	now     func() time.Time
}

type ttlEntry struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
}

func NewTTLCache() *TTLCache {
	return &TTLCache{
		entries: map[string]ttlEntry{},
		now:     time.Now,
	}
}

func (c *TTLCache) Put(key string, value any, ttl time.Duration) {
	if key == "" || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry{
		value:    value,
		storedAt: c.now(),
		ttl:      ttl,
	}
}

func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) >= entry.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len reports live plus not-yet-collected expired entries.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PurgeExpired removes every entry whose deadline has passed and reports how
// many were removed.
func (c *TTLCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) >= entry.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
