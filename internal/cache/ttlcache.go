// Package cache provides the in-memory TTL caches owned by the host process
// and a registry the diagnostics census reads them through.
package cache

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// TTLCache is a thread-safe key/value cache. Entries with a TTL are also
// tracked in a separate expiry index. Expired entries are removed lazily on
// Get and eagerly by Sweep; until then they still count toward Len.
type TTLCache struct {
	mu         sync.RWMutex
	entries    map[string]any
	expires    map[string]time.Time
	defaultTTL time.Duration
	clock      clockz.Clock
}

// New creates a cache whose Set uses defaultTTL (zero means no expiry).
func New(defaultTTL time.Duration) *TTLCache {
	return NewWithClock(defaultTTL, clockz.RealClock)
}

// NewWithClock creates a cache that reads time from clock.
func NewWithClock(defaultTTL time.Duration, clock clockz.Clock) *TTLCache {
	return &TTLCache{
		entries:    make(map[string]any),
		expires:    make(map[string]time.Time),
		defaultTTL: defaultTTL,
		clock:      clock,
	}
}

// Set stores value under key with the default TTL.
func (c *TTLCache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value under key. A non-positive ttl stores the entry
// without an expiry and clears any previous one.
func (c *TTLCache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

func (c *TTLCache) setLocked(key string, value any, ttl time.Duration) {
	c.entries[key] = value
	if ttl > 0 {
		c.expires[key] = c.clock.Now().Add(ttl)
	} else {
		delete(c.expires, key)
	}
}

// Get returns the value for key if present and not expired.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.RLock()
	value, ok := c.entries[key]
	expiry, hasExpiry := c.expires[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if hasExpiry && !c.clock.Now().Before(expiry) {
		c.mu.Lock()
		// Re-check: the entry may have been refreshed meanwhile.
		if exp, still := c.expires[key]; still && !c.clock.Now().Before(exp) {
			delete(c.entries, key)
			delete(c.expires, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return value, true
}

// Incr adds delta to the integer stored at key, treating missing or expired
// entries as zero, and refreshes the entry's TTL. It returns the new value.
func (c *TTLCache) Incr(key string, delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := 0
	if v, ok := c.entries[key].(int); ok {
		if exp, has := c.expires[key]; !has || c.clock.Now().Before(exp) {
			current = v
		}
	}
	current += delta
	c.setLocked(key, current, c.defaultTTL)
	return current
}

// Delete removes key and its expiry.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	delete(c.expires, key)
}

// Sweep removes every expired entry and returns how many were removed.
func (c *TTLCache) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, expiry := range c.expires {
		if !now.Before(expiry) {
			delete(c.entries, key)
			delete(c.expires, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries in the primary map.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TTLLen returns the number of entries in the expiry index.
func (c *TTLCache) TTLLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.expires)
}

// Clear removes all entries.
func (c *TTLCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]any)
	c.expires = make(map[string]time.Time)
}
