package counter

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/tenantgate/tenantgate/internal/correlation"
)

const shardCount = 64

// Memory is the default in-process Counter. It uses 64 shards to reduce
// mutex contention under high admission concurrency; entries are deleted
// when a project's count returns to zero.
type Memory struct {
	shards [shardCount]memoryShard
	logger *slog.Logger
}

type memoryShard struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemory creates an in-memory connection counter.
func NewMemory(logger *slog.Logger) *Memory {
	m := &Memory{logger: logger}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	for i := range m.shards {
		m.shards[i].counts = make(map[string]int64)
	}
	return m
}

func (m *Memory) shard(projectID string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectID))
	return &m.shards[h.Sum32()%shardCount]
}

// Increment implements Counter. Never fails.
func (m *Memory) Increment(_ context.Context, projectID string) (int64, error) {
	s := m.shard(projectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[projectID]++
	return s.counts[projectID], nil
}

// Decrement implements Counter. Floors at zero and logs a warning when the
// project is already untracked — that indicates an unmatched decrement in
// the caller's connection lifecycle.
func (m *Memory) Decrement(ctx context.Context, projectID string) (int64, error) {
	s := m.shard(projectID)
	s.mu.Lock()
	n := s.counts[projectID]
	switch {
	case n <= 1:
		delete(s.counts, projectID)
	default:
		s.counts[projectID] = n - 1
	}
	s.mu.Unlock()

	if n <= 0 {
		m.logger.Warn("connection counter decremented below zero, flooring at zero",
			"project_id", projectID,
			correlation.Attr(ctx))
		return 0, nil
	}
	return n - 1, nil
}

// Get implements Counter.
func (m *Memory) Get(_ context.Context, projectID string) (int64, error) {
	s := m.shard(projectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[projectID], nil
}

// Reset implements Counter.
func (m *Memory) Reset(_ context.Context, projectID string) error {
	s := m.shard(projectID)
	s.mu.Lock()
	delete(s.counts, projectID)
	s.mu.Unlock()
	return nil
}

// ResetAll implements Counter.
func (m *Memory) ResetAll(_ context.Context) error {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		s.counts = make(map[string]int64)
		s.mu.Unlock()
	}
	return nil
}
