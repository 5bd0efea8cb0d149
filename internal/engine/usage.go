package engine

import (
	"slices"
	"sync"

	"github.com/hupe1980/caskdb/internal/model"
)

// SegmentStats describes the space usage of one segment.
type SegmentStats struct {
	ID     model.SegmentID
	Size   int64
	Live   int64
	Active bool
}

// Dead returns the bytes held by superseded records and tombstones.
func (s SegmentStats) Dead() int64 {
	return s.Size - s.Live
}

// usage tracks per-segment size and live bytes. Live bytes are the sum of
// the record lengths the keydir points at; every keydir transition is
// accounted by whoever performed it.
type usage struct {
	mu   sync.Mutex
	segs map[model.SegmentID]*SegmentStats
}

func newUsage() *usage {
	return &usage{segs: make(map[model.SegmentID]*SegmentStats)}
}

func (u *usage) get(id model.SegmentID) *SegmentStats {
	s, ok := u.segs[id]
	if !ok {
		s = &SegmentStats{ID: id}
		u.segs[id] = s
	}
	return s
}

func (u *usage) setSize(id model.SegmentID, size int64) {
	u.mu.Lock()
	u.get(id).Size = size
	u.mu.Unlock()
}

func (u *usage) setActive(id model.SegmentID, active bool) {
	u.mu.Lock()
	u.get(id).Active = active
	u.mu.Unlock()
}

// retain and release ignore segments that are not tracked: a segment
// dropped by a merge must not come back with negative live bytes.
func (u *usage) retain(loc model.Location) {
	u.mu.Lock()
	if s, ok := u.segs[loc.SegmentID]; ok {
		s.Live += int64(loc.Length)
	}
	u.mu.Unlock()
}

func (u *usage) release(loc model.Location) {
	u.mu.Lock()
	if s, ok := u.segs[loc.SegmentID]; ok {
		s.Live -= int64(loc.Length)
	}
	u.mu.Unlock()
}

func (u *usage) drop(ids ...model.SegmentID) {
	u.mu.Lock()
	for _, id := range ids {
		delete(u.segs, id)
	}
	u.mu.Unlock()
}

func (u *usage) stats(id model.SegmentID) SegmentStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	if s, ok := u.segs[id]; ok {
		return *s
	}
	return SegmentStats{ID: id}
}

// snapshot returns all segments in ascending id order.
func (u *usage) snapshot() []SegmentStats {
	u.mu.Lock()
	out := make([]SegmentStats, 0, len(u.segs))
	for _, s := range u.segs {
		out = append(out, *s)
	}
	u.mu.Unlock()
	slices.SortFunc(out, func(a, b SegmentStats) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
