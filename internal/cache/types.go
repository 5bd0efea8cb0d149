package cache

import "github.com/hupe1980/caskdb/internal/model"

// Key identifies a cached value by the record that holds it.
// Records in sealed segments never change, so a key never goes stale; it
// only becomes unreachable when its segment is removed.
type Key struct {
	SegmentID model.SegmentID
	Offset    uint64
}

// ValueCache caches values read from sealed segments.
// Returned slices must be treated as read-only.
type ValueCache interface {
	// Get returns a cached value. ok=false if missing.
	Get(key Key) (b []byte, ok bool)
	// Set caches a value. The cache retains b; callers must not modify it.
	Set(key Key, b []byte)
	// InvalidateSegment drops every entry of segment id.
	InvalidateSegment(id model.SegmentID)
	// Stats returns cache statistics.
	Stats() (hits, misses int64)
	// Size returns the number of cached bytes.
	Size() int64
}
