package query

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Observer receives cache hit and miss events per resource
type Observer interface {
	RecordCacheHit(resource string)
	RecordCacheMiss(resource string)
}

// Cache is a keyed query cache. Keys are slash separated and the first
// segment names the resource.
type Cache struct {
	items    *cache.Cache
	group    singleflight.Group
	observer Observer

	// Guards inflight and orders stores against Invalidate
	mu       sync.Mutex
	inflight map[string]*flight
}

// flight is one shared call to a fetch function
type flight struct {
	stale bool // invalidated while running; its result is not stored
}

// NewCache creates a cache that purges expired entries every cleanupInterval
func NewCache(cleanupInterval time.Duration, observer Observer) *Cache {
	return &Cache{
		items:    cache.New(cache.NoExpiration, cleanupInterval),
		observer: observer,
		inflight: make(map[string]*flight),
	}
}

// Fetch returns the cached value for key, or calls fn and caches its result
// for ttl. Errors are never cached and a ttl of zero or less is never cached.
// A result whose key was invalidated while fn ran is returned to the callers
// already waiting on it but not stored. Concurrent callers for the same key share
// one call to fn; a caller whose context ends stops waiting without
// cancelling the shared call.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	resource := resourceOf(key)

	if v, found := c.items.Get(key); found {
		c.hit(resource)
		return v.(T), nil
	}
	c.miss(resource)

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		f := c.begin(key)
		v, err := fn(shared)
		c.finish(key, f, v, err, ttl)
		if err != nil {
			return nil, err
		}
		return v, nil
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Cache) begin(key string) *flight {
	f := &flight{}
	c.mu.Lock()
	c.inflight[key] = f
	c.mu.Unlock()
	return f
}

func (c *Cache) finish(key string, f *flight, v any, err error, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
	if err == nil && ttl > 0 && !f.stale {
		c.items.Set(key, v, ttl)
	}
}

// Invalidate drops every entry whose key equals or starts with one of the
// given prefixes followed by a slash. Fetches for matching keys that are
// still running will not store their results, and later callers start a
// new fetch instead of joining them.
func (c *Cache) Invalidate(prefixes ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, f := range c.inflight {
		if matches(key, prefixes) {
			f.stale = true
			c.group.Forget(key)
			delete(c.inflight, key)
		}
	}

	removed := 0
	for key := range c.items.Items() {
		if matches(key, prefixes) {
			c.items.Delete(key)
			removed++
		}
	}
	return removed
}

func matches(key string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if key == prefix || strings.HasPrefix(key, prefix+"/") {
			return true
		}
	}
	return false
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

// Flush drops everything
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, f := range c.inflight {
		f.stale = true
		c.group.Forget(key)
	}
	clear(c.inflight)
	c.items.Flush()
}

func (c *Cache) hit(resource string) {
	if c.observer != nil {
		c.observer.RecordCacheHit(resource)
	}
}

func (c *Cache) miss(resource string) {
	if c.observer != nil {
		c.observer.RecordCacheMiss(resource)
	}
}

func resourceOf(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}
