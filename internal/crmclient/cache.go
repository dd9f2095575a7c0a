package crmclient

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	payload   json.RawMessage
	page      *Pagination
	expiresAt time.Time
}

// responseCache is a TTL cache of decoded GET envelopes bounded by key count.
// When full, expired entries are purged first, then the entry closest to
// expiry is evicted.
type responseCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]cacheEntry
	now        func() time.Time
}

func newResponseCache(ttl time.Duration, maxEntries int) *responseCache {
	return &responseCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    map[string]cacheEntry{},
		now:        time.Now,
	}
}

func cacheKey(method string, endpoint string, body []byte) string {
	return method + " " + endpoint + " " + string(body)
}

func (c *responseCache) get(key string) (cacheEntry, bool) {
	if c == nil {
		return cacheEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return cacheEntry{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return cacheEntry{}, false
	}
	return e, true
}

func (c *responseCache) set(key string, payload json.RawMessage, page *Pagination) {
	if c == nil || c.maxEntries <= 0 || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		for k, e := range c.entries {
			if !now.Before(e.expiresAt) {
				delete(c.entries, k)
			}
		}
		for len(c.entries) >= c.maxEntries {
			oldestKey := ""
			var oldest time.Time
			for k, e := range c.entries {
				if oldestKey == "" || e.expiresAt.Before(oldest) {
					oldestKey, oldest = k, e.expiresAt
				}
			}
			delete(c.entries, oldestKey)
		}
	}
	c.entries[key] = cacheEntry{payload: payload, page: page, expiresAt: now.Add(c.ttl)}
}

// invalidatePrefix drops every entry whose key starts with prefix.
func (c *responseCache) invalidatePrefix(prefix string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
