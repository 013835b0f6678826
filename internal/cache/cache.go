// Package cache implements C8: a TTL key/value cache that accelerates
// manifest (assembled package) lookups (spec §4.8). Grounded on the teacher's
// in-process caching shape (a single mutex-guarded map, lazily-checked
// expiry rather than a background sweeper as the sole eviction path) seen
// across its storage and peer-management code, generalized to a standalone
// cache with an explicit bounded fallback. Spec §4.8: "cache is a
// performance layer only — never a source of truth," so every public
// operation here fails open rather than propagating backend errors.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// DefaultTTL is the cache's default entry lifetime, spec §4.8.
const DefaultTTL = 300 * time.Second

// DefaultMaxEntries bounds the in-memory fallback, spec §4.8.
const DefaultMaxEntries = 10000

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Backend is a remote cache backend (e.g. a shared key/value service).
// Cache degrades to its in-memory fallback whenever a Backend call fails,
// per spec §4.8's silent-degradation contract.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte, ttl time.Duration) error
	Del(key string) error
	Flush() error
}

// Cache is a TTL key/value store fronting an optional remote Backend with
// a bounded in-memory fallback. A nil Backend runs fallback-only.
type Cache struct {
	backend    Backend
	fallback   *lru.Cache[string, entry]
	defaultTTL time.Duration
	clock      func() time.Time
	log        *logrus.Entry

	hits   uint64
	misses uint64
}

// New constructs a Cache. backend may be nil to run fallback-only.
func New(backend Backend, maxEntries int, log *logrus.Entry) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	fallback, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		backend:    backend,
		fallback:   fallback,
		defaultTTL: DefaultTTL,
		clock:      time.Now,
		log:        log,
	}, nil
}

// WithClock overrides the cache's clock, for tests.
func (c *Cache) WithClock(clk func() time.Time) *Cache {
	c.clock = clk
	return c
}

// WithDefaultTTL overrides the cache's default entry TTL.
func (c *Cache) WithDefaultTTL(ttl time.Duration) *Cache {
	c.defaultTTL = ttl
	return c
}

// Set stores value under key with ttl (DefaultTTL if ttl <= 0). A backend
// failure is logged and the write still lands in the fallback, so callers
// never see an error for a pure performance-layer miss.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if c.backend != nil {
		if err := c.backend.Set(key, value, ttl); err != nil {
			c.log.WithError(err).WithField("key", key).Debug("cache backend set failed, using fallback only")
		}
	}
	c.fallback.Add(key, entry{value: value, expiresAt: c.clock().Add(ttl)})
}

// Get returns key's value and whether it was found and unexpired. The
// backend is tried first; any backend error or miss falls through to the
// in-memory fallback.
func (c *Cache) Get(key string) ([]byte, bool) {
	if c.backend != nil {
		if v, ok, err := c.backend.Get(key); err != nil {
			c.log.WithError(err).WithField("key", key).Debug("cache backend get failed, using fallback")
		} else if ok {
			c.hits++
			return v, true
		}
	}

	e, ok := c.fallback.Get(key)
	if !ok || e.expired(c.clock()) {
		if ok {
			c.fallback.Remove(key)
		}
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Exists reports whether key has an unexpired entry, without affecting
// hit/miss counters.
func (c *Cache) Exists(key string) bool {
	if c.backend != nil {
		if _, ok, err := c.backend.Get(key); err == nil && ok {
			return true
		}
	}
	e, ok := c.fallback.Peek(key)
	return ok && !e.expired(c.clock())
}

// Del removes key from both the backend (best-effort) and the fallback.
func (c *Cache) Del(key string) {
	if c.backend != nil {
		if err := c.backend.Del(key); err != nil {
			c.log.WithError(err).WithField("key", key).Debug("cache backend del failed")
		}
	}
	c.fallback.Remove(key)
}

// Flush clears the backend (best-effort) and the fallback entirely.
func (c *Cache) Flush() {
	if c.backend != nil {
		if err := c.backend.Flush(); err != nil {
			c.log.WithError(err).Debug("cache backend flush failed")
		}
	}
	c.fallback.Purge()
}

// Cleanup evicts expired fallback entries. The remote backend is
// responsible for its own expiry; this only tends the in-memory tier.
func (c *Cache) Cleanup() int {
	now := c.clock()
	removed := 0
	for _, key := range c.fallback.Keys() {
		e, ok := c.fallback.Peek(key)
		if ok && e.expired(now) {
			c.fallback.Remove(key)
			removed++
		}
	}
	return removed
}

// Stats is the hit/miss counters reported by /api/stats, SPEC_FULL.md §3.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// Stats returns the cache's current counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits, Misses: c.misses, Entries: c.fallback.Len()}
}
