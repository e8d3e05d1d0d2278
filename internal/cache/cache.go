// Package cache implements the Edge Cache (C8): a ristretto-backed store
// keyed by the normalized outer request, holding rewritten response clones
// with a TTL and a write-side safety filter.
package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"divortio-proxy/internal/headerrewrite"
)

// Entry is a cached response clone.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Cache wraps a ristretto.Cache with the normalization, safety filter, and
// TTL bookkeeping the edge cache needs.
type Cache struct {
	store          *ristretto.Cache
	ttl            time.Duration
	cacheableTypes []string
}

// New builds a Cache sized for numEntries distinct keys.
func New(numEntries int, ttlSeconds int, cacheableTypes []string) (*Cache, error) {
	if numEntries <= 0 {
		numEntries = 1
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(numEntries * 10),
		MaxCost:     int64(numEntries),
		BufferItems: 64,
		Cost: func(value interface{}) int64 {
			return 1
		},
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		store:          store,
		ttl:            time.Duration(ttlSeconds) * time.Second,
		cacheableTypes: cacheableTypes,
	}, nil
}

// Key derives the cache key from the outer (proxy-domain) request,
// normalized to method=GET with no body and no client auth/cookies.
func Key(r *http.Request) string {
	var b strings.Builder
	b.WriteString("GET ")
	b.WriteString(r.Host)
	b.WriteString(r.URL.Path)
	if r.URL.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(r.URL.RawQuery)
	}
	return b.String()
}

// Get returns the cached entry for key, if present.
func (c *Cache) Get(key string) (Entry, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return Entry{}, false
	}
	entry, ok := v.(Entry)
	return entry, ok
}

// Cacheable applies the write safety filter: status must be 200, the
// Content-Type must contain one of the configured cacheable type
// prefixes, and Cache-Control must not be private/no-store/no-cache.
func (c *Cache) Cacheable(status int, header http.Header) bool {
	if status != http.StatusOK {
		return false
	}
	contentType := strings.ToLower(header.Get("Content-Type"))
	matched := false
	for _, prefix := range c.cacheableTypes {
		if strings.Contains(contentType, strings.ToLower(prefix)) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	return headerrewrite.IsCacheableCacheControl(header.Get("Cache-Control"))
}

// Set clones header/body into the cache under key, stripping Set-Cookie and
// pinning the caching headers a cached entry must carry. Repeated writes
// for the same key replace the prior entry.
func (c *Cache) Set(key string, status int, header http.Header, body []byte) {
	clone := header.Clone()
	clone.Del("Set-Cookie")

	ttlSeconds := int(c.ttl / time.Second)
	clone.Set("Cache-Control", "public, max-age="+strconv.Itoa(ttlSeconds))
	clone.Set("Cloudflare-CDN-Cache-Control", "max-age="+strconv.Itoa(ttlSeconds))
	clone.Add("Vary", "Accept-Encoding")

	c.store.SetWithTTL(key, Entry{StatusCode: status, Header: clone, Body: body}, 1, c.ttl)
}

// Wait blocks until all pending cache writes have been applied. Ristretto
// applies Set/SetWithTTL asynchronously through a ring buffer; callers that
// need read-after-write (tests, mostly) should call Wait first.
func (c *Cache) Wait() {
	c.store.Wait()
}

// Close releases the underlying ristretto cache's background goroutines.
func (c *Cache) Close() {
	c.store.Close()
}
