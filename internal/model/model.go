// Package model defines the value types shared by the storage layers:
//
//   - SegmentID: Unique identifier for a segment file (uint64)
//   - Location: Physical address of one encoded record (SegmentID, Offset, Length)
//   - Entry: An index entry (Location + logical timestamp)
package model

import "fmt"

// SegmentID is the unique identifier for a segment within a store.
// Ids are never reused and impose a total order over all segments.
type SegmentID uint64

// Location identifies one encoded record inside a segment.
// It addresses the whole record (header, key and value) so that the
// checksum can be verified on every read.
type Location struct {
	SegmentID SegmentID
	Offset    uint64
	Length    uint32
}

// End returns the offset one past the last byte of the record.
func (l Location) End() uint64 {
	return l.Offset + uint64(l.Length)
}

// String returns a string representation of the Location.
func (l Location) String() string {
	return fmt.Sprintf("Loc(%d:%d+%d)", l.SegmentID, l.Offset, l.Length)
}

// Less reports whether l precedes o in (segment, offset) order.
func (l Location) Less(o Location) bool {
	if l.SegmentID != o.SegmentID {
		return l.SegmentID < o.SegmentID
	}
	return l.Offset < o.Offset
}

// Entry is the in-memory index value for a live key.
type Entry struct {
	Location  Location
	Timestamp uint64
}

// Newer reports whether e supersedes o.
// The greater timestamp wins; equal timestamps (the same record observed
// twice) fall back to (segment, offset) order.
func (e Entry) Newer(o Entry) bool {
	if e.Timestamp != o.Timestamp {
		return e.Timestamp > o.Timestamp
	}
	return o.Location.Less(e.Location)
}
