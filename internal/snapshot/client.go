package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tenantgate/tenantgate/internal/correlation"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a fetched snapshot is served without
// refetching when no TTL is configured.
const DefaultCacheTTL = 30 * time.Second

// SnapshotFetcher retrieves the current snapshot for one project from the
// authority. *Fetcher is the production implementation; tests substitute
// stubs.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, projectID string) (*ProjectSnapshot, error)
}

// Client is the cache-or-fetch snapshot client used by the admission layer.
// Every query it exposes is fail-closed: when no authoritative snapshot can
// be produced, the answer is absence (nil/false), never permission.
type Client struct {
	fetcher SnapshotFetcher
	cache   *Cache
	ttl     atomic.Int64 // nanoseconds; hot-reloadable
	group   singleflight.Group
	logger  *slog.Logger
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64

	// OnHit and OnMiss, when non-nil, are invoked per cache lookup.
	// Wired to Prometheus by the server.
	OnHit  func()
	OnMiss func()
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTTL sets the cache TTL for fetched snapshots.
func WithTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.ttl.Store(int64(ttl)) }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the client and cache time source (tests).
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a snapshot client with its own cache.
func NewClient(fetcher SnapshotFetcher, opts ...ClientOption) *Client {
	c := &Client{
		fetcher: fetcher,
		logger:  slog.Default(),
		now:     time.Now,
	}
	c.ttl.Store(int64(DefaultCacheTTL))
	for _, o := range opts {
		o(c)
	}
	c.cache = NewCache(WithCacheClock(c.now), WithCacheLogger(c.logger))
	return c
}

// TTL returns the current cache TTL.
func (c *Client) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// SetTTL updates the cache TTL. Applies to entries stored after the call;
// existing entries keep their deadline. Used by config hot-reload.
func (c *Client) SetTTL(ttl time.Duration) {
	c.ttl.Store(int64(ttl))
}

// Cache returns the underlying cache, exposed for the periodic sweeper.
func (c *Client) Cache() *Cache {
	return c.cache
}

// GetSnapshot returns the project's snapshot from cache, fetching from the
// authority on miss or expiry. Returns nil on any fetch failure; the failed
// project's cache entry, if any, is purged so a stale value cannot be
// served past the failure.
//
// Concurrent misses for the same project are coalesced into a single fetch.
func (c *Client) GetSnapshot(ctx context.Context, projectID string) *ProjectSnapshot {
	if e, ok := c.cache.Get(projectID); ok && c.now().Before(e.ExpiresAt) {
		c.hits.Add(1)
		if c.OnHit != nil {
			c.OnHit()
		}
		return e.Snapshot
	}

	c.misses.Add(1)
	if c.OnMiss != nil {
		c.OnMiss()
	}

	v, err, _ := c.group.Do(projectID, func() (any, error) {
		return c.refresh(ctx, projectID)
	})
	if err != nil {
		return nil
	}
	return v.(*ProjectSnapshot)
}

// refresh fetches a fresh snapshot and reconciles the cache. On failure the
// project's entry is removed — absence, not a cached deny.
func (c *Client) refresh(ctx context.Context, projectID string) (*ProjectSnapshot, error) {
	snap, err := c.fetcher.Fetch(ctx, projectID)
	if err != nil {
		if c.cache.Invalidate(projectID) {
			c.logger.Info("snapshot cache entry purged after failed fetch",
				"project_id", projectID,
				"outcome", string(KindOf(err)),
				correlation.Attr(ctx))
		}
		return nil, err
	}

	if prev, ok := c.cache.Get(projectID); ok && prev.Version != snap.Version {
		// The version is logged for change detection only; it does not
		// drive invalidation or TTL.
		c.logger.Info("project snapshot version changed",
			"project_id", projectID,
			"old_version", prev.Version,
			"new_version", snap.Version,
			correlation.Attr(ctx))
	}

	c.cache.Set(projectID, snap, c.TTL())
	return snap, nil
}

// IsProjectActive reports whether the project exists and is ACTIVE.
func (c *Client) IsProjectActive(ctx context.Context, projectID string) bool {
	return c.GetSnapshot(ctx, projectID).Active()
}

// IsServiceEnabled reports whether the named service is enabled for the
// project. Absent snapshot or absent service both mean false.
func (c *Client) IsServiceEnabled(ctx context.Context, projectID, service string) bool {
	return c.GetSnapshot(ctx, projectID).ServiceEnabled(service)
}

// GetQuota returns the named quota limit; ok is false when the snapshot is
// unavailable or the quota is not configured.
func (c *Client) GetQuota(ctx context.Context, projectID, name string) (int64, bool) {
	return c.GetSnapshot(ctx, projectID).Quota(name)
}

// GetRateLimits returns the project's opaque rate-limit configuration, or
// nil when unavailable.
func (c *Client) GetRateLimits(ctx context.Context, projectID string) json.RawMessage {
	snap := c.GetSnapshot(ctx, projectID)
	if snap == nil {
		return nil
	}
	return snap.Limits
}

// GetEnvironment returns the project's environment, or "" when unavailable.
func (c *Client) GetEnvironment(ctx context.Context, projectID string) string {
	snap := c.GetSnapshot(ctx, projectID)
	if snap == nil {
		return ""
	}
	return snap.Project.Environment
}

// InvalidateCache removes one project's cached snapshot (e.g. on a control
// plane change notification). Returns true when an entry was present.
func (c *Client) InvalidateCache(projectID string) bool {
	return c.cache.Invalidate(projectID)
}

// ClearCache removes all cached snapshots and returns the number removed.
func (c *Client) ClearCache() int {
	return c.cache.Clear()
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Stats returns current cache statistics.
func (c *Client) Stats() CacheStats {
	return CacheStats{
		Size:   c.cache.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
