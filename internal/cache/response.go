package cache

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// CachedResponse is one stored HTTP response in the edge cache.
type CachedResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// ResponseCache is the in-process edge cache, keyed by the inbound URL with
// its path lowercased. Hits carry X-Worker-Cache: true when served.
type ResponseCache struct {
	mem *Memory
}

// NewResponseCache creates an edge cache bounded to maxSize responses.
func NewResponseCache(maxSize int) (*ResponseCache, error) {
	mem, err := NewMemory(maxSize, 5*24*time.Hour)
	if err != nil {
		return nil, err
	}
	return &ResponseCache{mem: mem}, nil
}

// Key normalizes a request URL into the edge cache key: the path is
// lowercased, the query is preserved as-is.
func Key(u *url.URL) string {
	key := strings.ToLower(u.Path)
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

// Get returns the cached response for key, if any.
func (rc *ResponseCache) Get(ctx context.Context, key string) (*CachedResponse, bool) {
	val, ok := rc.mem.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var resp CachedResponse
	if err := json.Unmarshal(val, &resp); err != nil {
		rc.mem.Delete(ctx, key)
		return nil, false
	}
	return &resp, true
}

// Put stores a response under key with the given TTL.
func (rc *ResponseCache) Put(ctx context.Context, key string, resp *CachedResponse, ttl time.Duration) {
	val, err := json.Marshal(resp)
	if err != nil {
		return
	}
	rc.mem.Set(ctx, key, val, ttl)
}
