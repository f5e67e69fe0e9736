// Package cache is a namespaced, TTL-bounded in-memory store for repo
// metadata, PR lists, check runs and bot-detection verdicts. It is an
// optimization only: a miss means fetch fresh, a hit can be overridden by
// an explicit Invalidate before acting.
package cache

import (
	"sync"
	"time"
)

// Namespaces used by the agent. TTLs are defaults; config can override per
// namespace.
const (
	NamespaceRepoMeta    = "repo.meta"
	NamespaceRepoPRs     = "repo.prs"
	NamespacePRChecks    = "pr.checks"
	NamespacePRReviews   = "pr.reviews"
	NamespaceIdentityBot = "identity.is_bot"
)

// DefaultTTLs maps each namespace to its default entry lifetime.
func DefaultTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		NamespaceRepoMeta:    10 * time.Minute,
		NamespaceRepoPRs:     2 * time.Minute,
		NamespacePRChecks:    1 * time.Minute,
		NamespacePRReviews:   1 * time.Minute,
		NamespaceIdentityBot: 30 * time.Minute,
	}
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// HitRate returns hits/(hits+misses), or 1 when the cache is untouched.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 1
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is a TTL map keyed by (namespace, key). Eviction is lazy on access
// plus periodic Sweep. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]map[string]entry
	ttls    map[string]time.Duration

	hits   int64
	misses int64

	now func() time.Time // test hook
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the cache's time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithTTLOverrides replaces default TTLs for the given namespaces.
func WithTTLOverrides(overrides map[string]time.Duration) Option {
	return func(c *Cache) {
		for ns, ttl := range overrides {
			if ttl > 0 {
				c.ttls[ns] = ttl
			}
		}
	}
}

// New creates an empty cache with default namespace TTLs.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]map[string]entry),
		ttls:    DefaultTTLs(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for (ns, key), or ok=false on miss or
// expiry. An entry is expired from its exact expiry instant onward.
func (c *Cache) Get(ns, key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.entries[ns]
	if !ok {
		c.misses++
		return nil, false
	}
	e, ok := bucket[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(bucket, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Put stores a value under (ns, key) with the namespace default TTL.
func (c *Cache) Put(ns, key string, value interface{}) {
	c.PutTTL(ns, key, value, 0)
}

// PutTTL stores a value with an explicit TTL; ttl<=0 uses the namespace
// default (falling back to one minute for unknown namespaces).
func (c *Cache) PutTTL(ns, key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		var ok bool
		ttl, ok = c.ttlFor(ns)
		if !ok {
			ttl = time.Minute
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.entries[ns]
	if !ok {
		bucket = make(map[string]entry)
		c.entries[ns] = bucket
	}
	bucket[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
}

// Invalidate removes one key, or the whole namespace when key is empty.
func (c *Cache) Invalidate(ns, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key == "" {
		delete(c.entries, ns)
		return
	}
	if bucket, ok := c.entries[ns]; ok {
		delete(bucket, key)
	}
}

// Sweep drops all expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for ns, bucket := range c.entries {
		for key, e := range bucket {
			if !now.Before(e.expiresAt) {
				delete(bucket, key)
				removed++
			}
		}
		if len(bucket) == 0 {
			delete(c.entries, ns)
		}
	}
	return removed
}

// Stats returns hit/miss counters and the current entry count.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	size := 0
	for _, bucket := range c.entries {
		size += len(bucket)
	}
	return Stats{Hits: c.hits, Misses: c.misses, Size: size}
}

func (c *Cache) ttlFor(ns string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ttl, ok := c.ttls[ns]
	return ttl, ok
}
