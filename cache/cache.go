package cache

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vendora/insight/task"
)

// Cache holds approved responses keyed by fingerprint. Capacity is bounded
// with least-recently-used eviction; entries older than the TTL are ignored
// and evicted lazily. Lookups update recency. Safe for concurrent use.
type Cache struct {
	lru    *expirable.LRU[string, task.Response]
	logger *slog.Logger

	lookups atomic.Int64
	hits    atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates a cache with the given capacity and TTL.
func New(capacity int, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		lru:    expirable.NewLRU[string, task.Response](capacity, nil, ttl),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the cached response for a fingerprint, if present and fresh.
func (c *Cache) Lookup(fingerprint string) (task.Response, bool) {
	c.lookups.Add(1)
	resp, ok := c.lru.Get(fingerprint)
	if ok {
		c.hits.Add(1)
	}
	return resp, ok
}

// Store memoises an approved response under its fingerprint.
func (c *Cache) Store(fingerprint string, resp task.Response) {
	c.lru.Add(fingerprint, resp)
	c.logger.Debug("Cached approved response",
		"fingerprint", fingerprint,
		"task_id", resp.Metadata.TaskID)
}

// Evict removes a fingerprint's entry, if present.
func (c *Cache) Evict(fingerprint string) {
	c.lru.Remove(fingerprint)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// HitRate returns the fraction of lookups served from cache since creation.
func (c *Cache) HitRate() float64 {
	lookups := c.lookups.Load()
	if lookups == 0 {
		return 0
	}
	return float64(c.hits.Load()) / float64(lookups)
}
