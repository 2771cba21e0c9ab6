// Package cache provides the dispatcher's TTL-bounded response cache:
// an LRU store of ResponseRecord values keyed by request, with
// single-flight coalescing so concurrent requests for the same key
// issue one upstream attempt.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dispatchkit/dispatchkit/pkg/model"
)

type entry struct {
	record    model.ResponseRecord
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	store      *lru.Cache[string, entry]
	group      singleflight.Group
	ttl        time.Duration
	now        func() time.Time
	cacheable  func(model.ResponseRecord) bool
}

// New builds a Cache holding at most maxEntries records, each valid
// for ttl after insertion. now is injectable for deterministic tests.
func New(maxEntries int, ttl time.Duration, now func() time.Time) (*Cache, error) {
	store, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{store: store, ttl: ttl, now: now, cacheable: Cacheable}, nil
}

// SetCacheablePredicate overrides which responses are eligible for
// storage; by default only Cacheable (clean 2xx) responses qualify.
// Callers that want e.g. 3xx cached can supply their own predicate.
func (c *Cache) SetCacheablePredicate(p func(model.ResponseRecord) bool) {
	if p != nil {
		c.cacheable = p
	}
}

// Get returns the cached record for key, if present and unexpired.
func (c *Cache) Get(key string) (model.ResponseRecord, bool) {
	e, ok := c.store.Get(key)
	if !ok {
		return model.ResponseRecord{}, false
	}
	if c.now().After(e.expiresAt) {
		c.store.Remove(key)
		return model.ResponseRecord{}, false
	}
	return e.record, true
}

// Put stores record under key, overwriting any existing entry.
func (c *Cache) Put(key string, record model.ResponseRecord) {
	c.store.Add(key, entry{record: record, expiresAt: c.now().Add(c.ttl)})
}

// Cacheable reports whether a completed attempt's outcome is eligible
// for storage. Only clean 2xx responses qualify by default; callers
// wanting 3xx or other codes cached use SetCacheablePredicate.
func Cacheable(r model.ResponseRecord) bool {
	return r.Outcome == model.Success && r.StatusCode >= 200 && r.StatusCode < 300
}

// GetOrLoad returns the cached record for key if present, otherwise
// calls load exactly once across all concurrent callers sharing key
// and caches the result if it is Cacheable. The bool return reports
// whether the value came from cache: true for the pre-existing fast
// path and for every singleflight follower that piggybacked the
// leader's in-flight call, false only for the caller whose load
// actually ran.
func (c *Cache) GetOrLoad(key string, load func() (model.ResponseRecord, error)) (model.ResponseRecord, bool, error) {
	if r, ok := c.Get(key); ok {
		return r, true, nil
	}

	executed := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		executed = true
		r, err := load()
		if err != nil {
			return model.ResponseRecord{}, err
		}
		if c.cacheable(r) {
			c.Put(key, r)
		}
		return r, nil
	})
	if err != nil {
		return model.ResponseRecord{}, false, err
	}
	return v.(model.ResponseRecord), !executed, nil
}

// Purge evicts every entry.
func (c *Cache) Purge() {
	c.store.Purge()
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	return c.store.Len()
}
