package snapshot

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

const shardCount = 64

// Entry is one cached snapshot with its expiry deadline. Entries are
// read-only after Set; a refetch fully replaces the entry.
type Entry struct {
	Snapshot  *ProjectSnapshot
	Version   string
	ExpiresAt time.Time
}

// Cache is a sharded in-memory store of snapshot entries keyed by project
// id. 64 shards reduce mutex contention under high admission concurrency.
// The cache does not interpret expiry on Get — staleness is the caller's
// decision — but Sweep removes entries already past their deadline.
type Cache struct {
	shards [shardCount]cacheShard
	now    func() time.Time
	logger *slog.Logger
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheClock overrides the cache's time source (tests).
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithCacheLogger sets the logger used for invalidation and sweep lines.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// NewCache creates an empty snapshot cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		now:    time.Now,
		logger: slog.Default(),
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]Entry)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) shard(projectID string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectID))
	return &c.shards[h.Sum32()%shardCount]
}

// Get returns the cached entry for a project, expired or not.
func (c *Cache) Get(projectID string) (Entry, bool) {
	s := c.shard(projectID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[projectID]
	return e, ok
}

// Set stores a snapshot with expiry now+ttl, replacing any previous entry.
func (c *Cache) Set(projectID string, snap *ProjectSnapshot, ttl time.Duration) {
	e := Entry{
		Snapshot:  snap,
		Version:   snap.Version,
		ExpiresAt: c.now().Add(ttl),
	}
	s := c.shard(projectID)
	s.mu.Lock()
	s.entries[projectID] = e
	s.mu.Unlock()
}

// Invalidate removes one project's entry. Returns true when an entry was
// present.
func (c *Cache) Invalidate(projectID string) bool {
	s := c.shard(projectID)
	s.mu.Lock()
	_, ok := s.entries[projectID]
	delete(s.entries, projectID)
	s.mu.Unlock()

	if ok {
		c.logger.Debug("snapshot cache entry invalidated", "project_id", projectID)
	}
	return ok
}

// Clear removes all entries and returns the number removed.
func (c *Cache) Clear() int {
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		removed += len(s.entries)
		s.entries = make(map[string]Entry)
		s.mu.Unlock()
	}
	c.logger.Debug("snapshot cache cleared", "removed", removed)
	return removed
}

// Sweep removes every entry whose expiry is in the past and returns the
// number removed. It locks one shard at a time so concurrent reads and
// writes on other shards are never blocked for the whole pass.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			if e.ExpiresAt.Before(now) {
				delete(s.entries, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the current number of entries, expired ones included.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
