package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/store"
)

type cacheEntry struct {
	destinations []store.Destination
	expiresAt    time.Time
	lastAccessed time.Time
}

// Cache is a read-through TTL cache of each project's active destinations.
// It is bounded by maxEntries with least-recently-used eviction.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	store      store.Store
	ttl        time.Duration
	maxEntries int
	metrics    *Metrics
	now        func() time.Time

	// epoch advances on every Invalidate so a load that raced with a
	// mutation does not repopulate stale data.
	epoch uint64
}

// NewCache creates a cache over s.
func NewCache(s store.Store, ttl time.Duration, maxEntries int, metrics *Metrics) *Cache {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Cache{
		entries:    make(map[string]*cacheEntry),
		store:      s,
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    metrics,
		now:        time.Now,
	}
}

// GetActiveDestinations returns the project's enabled destinations, reading
// storage at most once per TTL.
func (c *Cache) GetActiveDestinations(ctx context.Context, projectID string) ([]store.Destination, error) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[projectID]
	epoch := c.epoch
	c.mu.RUnlock()

	if ok && now.Before(entry.expiresAt) {
		c.mu.Lock()
		entry.lastAccessed = now
		c.mu.Unlock()
		c.metrics.CacheHitsTotal.Inc()
		return copyDestinations(entry.destinations), nil
	}
	c.metrics.CacheMissesTotal.Inc()

	dests, err := c.store.ListActiveDestinations(ctx, projectID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch {
		if _, exists := c.entries[projectID]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
			c.evictLRU()
		}
		c.entries[projectID] = &cacheEntry{
			destinations: dests,
			expiresAt:    now.Add(c.ttl),
			lastAccessed: now,
		}
	}
	return copyDestinations(dests), nil
}

// Invalidate drops the project's entry.
func (c *Cache) Invalidate(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, projectID)
	c.epoch++
}

// Len returns the number of cached projects.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictLRU removes the least recently used entry. Caller must hold the write lock.
func (c *Cache) evictLRU() {
	var oldest string
	var oldestTime time.Time
	first := true
	for project, entry := range c.entries {
		if first || entry.lastAccessed.Before(oldestTime) {
			oldest = project
			oldestTime = entry.lastAccessed
			first = false
		}
	}
	if !first {
		delete(c.entries, oldest)
	}
}

func copyDestinations(in []store.Destination) []store.Destination {
	if in == nil {
		return nil
	}
	out := make([]store.Destination, len(in))
	copy(out, in)
	return out
}
