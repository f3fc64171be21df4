package compile

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"
)

// Result is the outcome of a front-end compile.
type Result struct {
	Success       bool   `json:"success"`
	Output        string `json:"output"`
	ProcessedCode string `json:"processedCode"`
	Cached        bool   `json:"cached"`
}

type cacheEntry struct {
	result   Result
	storedAt time.Time
}

// Cache memoizes successful compile results by content hash. Entries
// older than the TTL are treated as misses and purged on lookup. Failed
// compiles are never cached; they are always retried.
type Cache struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache creates a cache with the given entry TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Key returns the stable content hash for a sketch and its header tabs.
// The hash is order-sensitive over headers: tabs arrive in a fixed
// order, so identical content in a different order is a different key.
func Key(code string, headers []Header) string {
	h := sha256.New()
	writeLenPrefixed(h, code)
	for _, hdr := range headers {
		writeLenPrefixed(h, hdr.Name)
		writeLenPrefixed(h, hdr.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// Get returns the cached result for key, if present and fresh.
func (c *Cache) Get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return Result{}, false
	}
	return e.result, true
}

// Put stores a result. Failed results are ignored.
func (c *Cache) Put(key string, r Result) {
	if !r.Success {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{result: r, storedAt: c.now()}
}

// Sweep removes all expired entries. Lookup already purges lazily; this
// exists so a periodic task can bound memory under churn.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	cutoff := c.now().Add(-c.ttl)
	for k, e := range c.entries {
		if e.storedAt.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
