package client

import (
	"sync"
	"time"

	"callpulse/internal/license"
)

// Result is one cached validation outcome. Denials are cached too, with a
// shorter lifetime, so a revoked key does not hammer the license server.
type Result struct {
	Valid   bool
	Code    string
	Err     error
	License *license.License
}

type cacheEntry struct {
	result    Result
	cachedAt  time.Time
	expiresAt time.Time
	hitCount  int
}

// validationCache caches validation results per (license key, fingerprint)
// pair. Expired entries are dropped lazily on lookup and by a background
// sweep.
type validationCache struct {
	mu          sync.RWMutex
	entries     map[string]cacheEntry
	positiveTTL time.Duration
	negativeTTL time.Duration
	hitCount    int64
	missCount   int64
	stopChan    chan struct{}
	stopOnce    sync.Once
}

func newValidationCache(positiveTTL, negativeTTL time.Duration) *validationCache {
	c := &validationCache{
		entries:     make(map[string]cacheEntry),
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
		stopChan:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func cacheKey(licenseKey, fingerprint string) string {
	return licenseKey + "|" + fingerprint
}

// get returns the cached result for the pair, if still fresh.
func (c *validationCache) get(licenseKey, fingerprint string) (Result, bool) {
	key := cacheKey(licenseKey, fingerprint)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.missCount++
		return Result{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		c.missCount++
		return Result{}, false
	}

	entry.hitCount++
	c.entries[key] = entry
	c.hitCount++
	return entry.result, true
}

// set stores a result under the TTL matching its polarity.
func (c *validationCache) set(licenseKey, fingerprint string, result Result) {
	ttl := c.positiveTTL
	if !result.Valid {
		ttl = c.negativeTTL
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(licenseKey, fingerprint)] = cacheEntry{
		result:    result,
		cachedAt:  now,
		expiresAt: now.Add(ttl),
	}
}

// invalidate drops every entry. Called after activation so the next
// validation reflects the new binding.
func (c *validationCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// stats returns hit/miss counters for debugging.
func (c *validationCache) stats() (entries int, hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), c.hitCount, c.missCount
}

// cleanup sweeps expired entries periodically.
func (c *validationCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopChan:
			return
		}
	}
}

// stop terminates the background sweep.
func (c *validationCache) stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}
