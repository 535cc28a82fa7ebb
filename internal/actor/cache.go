package actor

import (
	"sync"
	"time"
)

// SnapshotCacheTTL bounds how long a cache entry lives after its last
// reference. A reconnecting client whose baseline is older than this window
// receives a full snapshot patch instead of a delta.
const SnapshotCacheTTL = 5 * time.Minute

type cacheEntry struct {
	snapshot Snapshot
	lastRef  time.Time
}

// SnapshotCache maps checksum -> past snapshot so initial resyncs can serve
// diffs from an arbitrary baseline a reconnecting client still holds.
//
// The host owns its cache and writes on its executor; the registry's sweep
// job reads and evicts from another goroutine, so access is mutex guarded.
type SnapshotCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	now     func() time.Time
}

// NewSnapshotCache creates an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Put stores a snapshot under its checksum and refreshes the reference time.
func (c *SnapshotCache) Put(checksum string, snapshot Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[checksum] = &cacheEntry{snapshot: snapshot, lastRef: c.now()}
}

// Get returns the snapshot for a checksum, refreshing its reference time.
func (c *SnapshotCache) Get(checksum string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[checksum]
	if !ok {
		return Snapshot{}, false
	}
	entry.lastRef = c.now()
	return entry.snapshot, true
}

// Sweep evicts entries not referenced within the TTL window and returns the
// number removed.
func (c *SnapshotCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-SnapshotCacheTTL)
	removed := 0
	for checksum, entry := range c.entries {
		if entry.lastRef.Before(cutoff) {
			delete(c.entries, checksum)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached snapshots.
func (c *SnapshotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
