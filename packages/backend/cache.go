package backend

import (
	"context"
	"sync"
	"time"
)

// SnapshotCache memoizes a Driver's Snapshot for a TTL so the Scheduler
// does not re-snapshot every backend on every tick (SPEC_FULL.md
// "Per-backend capacity caching with TTL"), invalidated early on any
// spawn/kill through Invalidate.
type SnapshotCache struct {
	driver Driver
	ttl    time.Duration

	mu       sync.Mutex
	cachedAt time.Time
	snap     Snapshot
	valid    bool
}

// NewSnapshotCache wraps driver with a snapshot cache of the given TTL.
func NewSnapshotCache(driver Driver, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{driver: driver, ttl: ttl}
}

// Snapshot returns the cached snapshot if still fresh, otherwise refreshes
// it from the underlying driver.
func (c *SnapshotCache) Snapshot(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && time.Since(c.cachedAt) < c.ttl {
		return c.snap, nil
	}
	snap, err := c.driver.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	c.snap = snap
	c.cachedAt = time.Now()
	c.valid = true
	return snap, nil
}

// Invalidate discards the cached snapshot, forcing the next Snapshot call
// to hit the underlying driver. Called after any spawn or kill so capacity
// changes are visible immediately rather than waiting out the TTL.
func (c *SnapshotCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}
