package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// fastEntry is a value held by the in-process tier.
type fastEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *fastEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// FastCache is the in-process cache tier: a bounded map with absolute-expiry
// timestamps. When full it drops expired entries first, then evicts the entry
// closest to expiry.
type FastCache struct {
	mu      sync.RWMutex
	entries map[string]*fastEntry
	maxSize int
	clock   clock.Clock
}

// NewFastCache creates a fast tier bounded to maxSize entries.
func NewFastCache(maxSize int, clk clock.Clock) *FastCache {
	if maxSize < 1 {
		maxSize = 1000
	}
	if clk == nil {
		clk = clock.New()
	}
	return &FastCache{
		entries: make(map[string]*fastEntry),
		maxSize: maxSize,
		clock:   clk,
	}
}

// Get returns the value for key, or false if absent or expired. Expired
// entries are removed lazily on read.
func (c *FastCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if entry.expired(c.clock.Now()) {
		c.mu.Lock()
		// Re-check under the write lock: a concurrent Set may have refreshed it.
		if cur, still := c.entries[key]; still && cur.expired(c.clock.Now()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

// Set stores value under key with the given TTL, evicting if at capacity.
func (c *FastCache) Set(key string, value []byte, ttl time.Duration) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked(now)
	}
	c.entries[key] = &fastEntry{value: value, expiresAt: now.Add(ttl)}
}

// Delete removes a key from the tier.
func (c *FastCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the current number of entries, including any not yet swept.
func (c *FastCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *FastCache) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// evictLocked makes room for one insertion: drop expired entries first, then
// the entry with the earliest expiry. Caller must hold the write lock.
func (c *FastCache) evictLocked(now time.Time) {
	dropped := false
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			dropped = true
		}
	}
	if dropped {
		return
	}

	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
