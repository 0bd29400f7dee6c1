package snapshot

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(version string) *ProjectSnapshot {
	return &ProjectSnapshot{
		Project: ProjectInfo{ID: "proj-1", Status: StatusActive},
		Services: map[string]ServiceState{
			ServiceRealtime: {Enabled: true},
		},
		Version: version,
	}
}

func TestCache_SetGet(t *testing.T) {
	t.Run("returns stored entry", func(t *testing.T) {
		c := NewCache()
		c.Set("proj-1", testSnapshot("v1"), time.Minute)

		e, ok := c.Get("proj-1")
		require.True(t, ok)
		assert.Equal(t, "v1", e.Version)
		assert.Equal(t, "proj-1", e.Snapshot.Project.ID)
	})

	t.Run("miss on unknown project", func(t *testing.T) {
		c := NewCache()
		_, ok := c.Get("nope")
		assert.False(t, ok)
	})

	t.Run("set replaces previous entry", func(t *testing.T) {
		c := NewCache()
		c.Set("proj-1", testSnapshot("v1"), time.Minute)
		c.Set("proj-1", testSnapshot("v2"), time.Minute)

		e, ok := c.Get("proj-1")
		require.True(t, ok)
		assert.Equal(t, "v2", e.Version)
		assert.Equal(t, 1, c.Len())
	})

	t.Run("get returns expired entries too", func(t *testing.T) {
		now := time.Now()
		c := NewCache(WithCacheClock(func() time.Time { return now }))
		c.Set("proj-1", testSnapshot("v1"), time.Second)

		now = now.Add(time.Hour)
		_, ok := c.Get("proj-1")
		assert.True(t, ok, "staleness is the caller's decision, not the cache's")
	})
}

func TestCache_Invalidate(t *testing.T) {
	c := NewCache()
	c.Set("proj-1", testSnapshot("v1"), time.Minute)

	assert.True(t, c.Invalidate("proj-1"))
	_, ok := c.Get("proj-1")
	assert.False(t, ok)

	assert.False(t, c.Invalidate("proj-1"), "second invalidation finds nothing")
	assert.False(t, c.Invalidate("never-stored"))
}

func TestCache_Clear(t *testing.T) {
	c := NewCache()
	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("proj-%d", i), testSnapshot("v1"), time.Minute)
	}

	assert.Equal(t, 10, c.Clear())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.Clear(), "clearing an empty cache removes nothing")
}

func TestCache_Sweep(t *testing.T) {
	t.Run("removes only expired entries", func(t *testing.T) {
		now := time.Now()
		c := NewCache(WithCacheClock(func() time.Time { return now }))

		c.Set("short-1", testSnapshot("v1"), time.Second)
		c.Set("short-2", testSnapshot("v1"), time.Second)
		c.Set("long", testSnapshot("v1"), time.Hour)

		now = now.Add(time.Minute)

		assert.Equal(t, 2, c.Sweep())
		assert.Equal(t, 1, c.Len())

		_, ok := c.Get("long")
		assert.True(t, ok)
	})

	t.Run("entry expiring exactly now survives", func(t *testing.T) {
		now := time.Now()
		c := NewCache(WithCacheClock(func() time.Time { return now }))
		c.Set("proj-1", testSnapshot("v1"), time.Minute)

		now = now.Add(time.Minute) // ExpiresAt == now, not Before(now)
		assert.Equal(t, 0, c.Sweep())
	})

	t.Run("sweeping empty cache removes nothing", func(t *testing.T) {
		assert.Equal(t, 0, NewCache().Sweep())
	})
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup

	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("proj-%d-%d", g, i%20)
				c.Set(id, testSnapshot("v1"), time.Minute)
				c.Get(id)
				if i%50 == 0 {
					c.Sweep()
					c.Invalidate(id)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 16*20)
}
