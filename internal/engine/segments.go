package engine

import (
	"maps"
	"slices"

	"github.com/hupe1980/caskdb/internal/model"
	"github.com/hupe1980/caskdb/internal/segment"
)

// segmentSet is an immutable view of the store's segments.
// Each published set owns one reference on every handle it contains; a
// handle's set reference is released when the first set without it is
// published. New sets are built copy-on-write under Engine.setMu.
type segmentSet struct {
	handles map[model.SegmentID]*segment.Handle
	ids     []model.SegmentID // ascending
	active  model.SegmentID
}

func newSegmentSet(active model.SegmentID, handles ...*segment.Handle) *segmentSet {
	s := &segmentSet{
		handles: make(map[model.SegmentID]*segment.Handle, len(handles)),
		active:  active,
	}
	for _, h := range handles {
		s.handles[h.ID()] = h
	}
	s.rebuild()
	return s
}

func (s *segmentSet) rebuild() {
	s.ids = slices.Sorted(maps.Keys(s.handles))
}

func (s *segmentSet) get(id model.SegmentID) *segment.Handle {
	return s.handles[id]
}

// sealed returns the ids of all sealed segments in ascending order.
func (s *segmentSet) sealed() []model.SegmentID {
	out := make([]model.SegmentID, 0, len(s.ids))
	for _, id := range s.ids {
		if id != s.active {
			out = append(out, id)
		}
	}
	return out
}

// with returns a copy of s with add installed (replacing same-id handles),
// remove dropped and active set.
func (s *segmentSet) with(active model.SegmentID, add []*segment.Handle, remove []model.SegmentID) *segmentSet {
	n := &segmentSet{
		handles: maps.Clone(s.handles),
		active:  active,
	}
	for _, id := range remove {
		delete(n.handles, id)
	}
	for _, h := range add {
		n.handles[h.ID()] = h
	}
	n.rebuild()
	return n
}

// publish installs next as the current set. Callers hold setMu.
func (e *Engine) publish(next *segmentSet) {
	e.segments.Store(next)
}
