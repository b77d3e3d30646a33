package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// MemoryCache is a process-local ResponseCache. Entries expire after their
// TTL and, once maxEntries is reached, the oldest entry is evicted first.
type MemoryCache struct {
	items      *gocache.Cache
	maxEntries int
	now        func() time.Time

	mu  sync.Mutex
	ord []string
}

// MemoryOption customises a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithNow replaces the clock used to judge expiry.
func WithNow(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

// NewMemoryCache creates a cache holding at most maxEntries entries.
// maxEntries <= 0 means unbounded.
func NewMemoryCache(maxEntries int, opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		// Entries carry their own deadline; go-cache only sweeps.
		items:      gocache.New(gocache.NoExpiration, 5*time.Minute),
		maxEntries: maxEntries,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get implements domain.ResponseCache.
func (c *MemoryCache) Get(_ context.Context, key string) (domain.CachedResponse, bool, error) {
	v, ok := c.items.Get(key)
	if !ok {
		return domain.CachedResponse{}, false, nil
	}
	entry, ok := v.(domain.CachedResponse)
	if !ok || entry.Expired(c.now()) {
		c.removeExpired(key)
		return domain.CachedResponse{}, false, nil
	}
	return entry, true, nil
}

// Set implements domain.ResponseCache. Re-setting a key refreshes its value
// but keeps its place in the eviction order.
func (c *MemoryCache) Set(_ context.Context, entry domain.CachedResponse) error {
	if entry.Key == "" {
		return domain.ErrInvalidArgument
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now()
	}
	ttl := gocache.NoExpiration
	if !entry.ExpiresAt.IsZero() {
		// go-cache runs on the wall clock; the entry deadline stays authoritative.
		ttl = entry.ExpiresAt.Sub(entry.CreatedAt) + time.Minute
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items.Get(entry.Key); !exists {
		c.dropLocked(entry.Key)
		// ord may still name entries the janitor already swept; popping them is harmless.
		for c.maxEntries > 0 && c.items.ItemCount() >= c.maxEntries && len(c.ord) > 0 {
			oldest := c.ord[0]
			c.ord = c.ord[1:]
			c.items.Delete(oldest)
		}
		c.ord = append(c.ord, entry.Key)
	}
	c.items.Set(entry.Key, entry, ttl)
	return nil
}

// Len implements domain.ResponseCache. Expired entries not yet swept are counted.
func (c *MemoryCache) Len(context.Context) (int, error) {
	return c.items.ItemCount(), nil
}

// Flush implements domain.ResponseCache.
func (c *MemoryCache) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Flush()
	c.ord = c.ord[:0]
	return nil
}

// removeExpired deletes key only if what is stored there is still stale, so a
// fresh entry written by a concurrent Set survives.
func (c *MemoryCache) removeExpired(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items.Get(key)
	if !ok {
		c.dropLocked(key)
		return
	}
	if entry, ok := v.(domain.CachedResponse); ok && !entry.Expired(c.now()) {
		return
	}
	c.items.Delete(key)
	c.dropLocked(key)
}

func (c *MemoryCache) dropLocked(key string) {
	for i, k := range c.ord {
		if k == key {
			c.ord = append(c.ord[:i], c.ord[i+1:]...)
			break
		}
	}
}
