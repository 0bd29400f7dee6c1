package snapshot

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often expired cache entries are purged when
// no interval is configured.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically removes expired entries from a snapshot cache,
// bounding memory when projects stop being queried. Sweeping is independent
// of read traffic and never blocks concurrent cache access for a whole pass.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	logger   *slog.Logger

	// OnSweep, when non-nil, receives the number of entries removed per
	// pass. Wired to Prometheus by the server.
	OnSweep func(removed int)
}

// NewSweeper creates a sweeper for the given cache. A non-positive interval
// falls back to DefaultSweepInterval.
func NewSweeper(cache *Cache, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		cache:    cache,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the sweep loop. Blocks until the context is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("snapshot cache sweeper started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("snapshot cache sweeper stopped")
			return
		case <-ticker.C:
			removed := s.cache.Sweep()
			if s.OnSweep != nil {
				s.OnSweep(removed)
			}
			if removed > 0 {
				s.logger.Debug("swept expired snapshot entries", "removed", removed)
			}
		}
	}
}
