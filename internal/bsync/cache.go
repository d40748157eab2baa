package bsync

import (
	"sync"
	"time"
)

// Cache holds the last known snapshot set and when it was authoritatively
// refreshed. It is advisory: discarding it only costs a full fetch.
type Cache struct {
	mu            sync.RWMutex
	snapshots     Snapshots // nil until the first authoritative result
	lastFetchAt   time.Time
	skipFastUntil time.Time
	skipFastAfter time.Duration
}

// NewCache creates an empty cache. After every authoritative refresh, fast
// checks are suppressed for skipFastAfter.
func NewCache(skipFastAfter time.Duration) *Cache {
	return &Cache{skipFastAfter: skipFastAfter}
}

// Snapshots returns a copy of the cached set and whether one exists.
func (c *Cache) Snapshots() (Snapshots, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshots == nil {
		return nil, false
	}
	return c.snapshots.Clone(), true
}

// HasConflict reports whether any cached piece is in CONFLICT.
func (c *Cache) HasConflict() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshots.HasConflict()
}

// LastFetchAt returns the time of the last authoritative refresh.
func (c *Cache) LastFetchAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFetchAt
}

// IsStale reports whether the cache is empty or older than window.
func (c *Cache) IsStale(now time.Time, window time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshots == nil || c.lastFetchAt.IsZero() {
		return true
	}
	return now.Sub(c.lastFetchAt) >= window
}

// FastCheckSuppressed reports whether a recent refresh makes a fast check pointless.
func (c *Cache) FastCheckSuppressed(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return now.Before(c.skipFastUntil)
}

// restoreFetchTime seeds lastFetchAt from persisted state without snapshots,
// so a restart still performs a full fetch before trusting the cache.
func (c *Cache) restoreFetchTime(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFetchAt = at
}

// replace overwrites the whole set with an authoritative result.
func (c *Cache) replace(s Snapshots, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = Normalize(s)
	c.markRefreshed(at)
}

// apply overlays an action result onto the current set.
func (c *Cache) apply(update Snapshots, at time.Time) Snapshots {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = c.snapshots.Overlay(update)
	c.markRefreshed(at)
	return c.snapshots.Clone()
}

// mergeLocal applies local observations to known pieces. It returns false and
// changes nothing when no authoritative set exists yet.
func (c *Cache) mergeLocal(obs map[PieceType]LocalObservation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshots == nil {
		return false
	}
	for t, o := range obs {
		prev, ok := c.snapshots[t]
		if !ok {
			continue
		}
		c.snapshots[t] = MergeLocalObservation(prev, o)
	}
	return true
}

func (c *Cache) markRefreshed(at time.Time) {
	c.lastFetchAt = at
	c.skipFastUntil = at.Add(c.skipFastAfter)
}
