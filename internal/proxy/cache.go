package proxy

import (
	"net/http"
	"sync"
	"time"
)

// responseCache is a TTL cache for successful GET responses. Entries are
// evicted lazily on lookup and in bulk every few hundred hits.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	hits    uint64

	now func() time.Time
}

type cacheEntry struct {
	status    int
	header    http.Header
	body      []byte
	expiresAt time.Time
}

const cacheBodyLimit = 1 << 20 // 1 MiB per entry

func newResponseCache() *responseCache {
	return &responseCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *responseCache) get(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return cacheEntry{}, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return cacheEntry{}, false
	}
	return e, true
}

func (c *responseCache) put(key string, status int, header http.Header, body []byte, ttl time.Duration) {
	if ttl <= 0 || status != http.StatusOK || len(body) > cacheBodyLimit {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		status:    status,
		header:    header.Clone(),
		body:      append([]byte(nil), body...),
		expiresAt: c.now().Add(ttl),
	}

	c.hits++
	if c.hits%256 == 0 {
		now := c.now()
		for k, v := range c.entries {
			if now.After(v.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
}

func (c *responseCache) purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
