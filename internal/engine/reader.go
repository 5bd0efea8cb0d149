package engine

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/caskdb/internal/cache"
	"github.com/hupe1980/caskdb/internal/model"
	"github.com/hupe1980/caskdb/internal/record"
	"github.com/hupe1980/caskdb/internal/segment"
)

// maxReadRetries bounds how often Get re-resolves a key whose segment was
// retired between the keydir lookup and the handle acquisition.
const maxReadRetries = 64

// Get returns the value of key, or ErrNotFound. The returned slice is owned
// by the caller.
func (e *Engine) Get(key []byte) (value []byte, err error) {
	start := time.Now()
	defer func() {
		e.metrics.OnGet(time.Since(start), err == nil, err)
	}()

	if err := record.ValidateKey(key); err != nil {
		return nil, err
	}

	var last model.Entry
	for range maxReadRetries {
		if e.closed.Load() {
			return nil, ErrClosed
		}

		ent, ok := e.keydir.Get(key)
		if !ok {
			return nil, ErrNotFound
		}
		last = ent

		ck := cache.Key{SegmentID: ent.Location.SegmentID, Offset: ent.Location.Offset}
		if e.cache != nil {
			if v, ok := e.cache.Get(ck); ok {
				return bytes.Clone(v), nil
			}
		}

		set := e.segments.Load()
		h := set.get(ent.Location.SegmentID)
		if h == nil || !h.TryIncRef() {
			// Retired by a merge; the keydir already points elsewhere.
			continue
		}
		b, err := h.Read(ent.Location)
		h.DecRef()
		if err != nil {
			if errors.Is(err, segment.ErrShortSegment) {
				return nil, e.corruptRead(key, ent, err)
			}
			return nil, fmt.Errorf("%w: read %s: %w", ErrIO, ent.Location, err)
		}

		rec, err := record.Decode(b)
		if err != nil {
			return nil, e.corruptRead(key, ent, err)
		}
		if rec.Deleted || rec.Timestamp != ent.Timestamp || !bytes.Equal(rec.Key, key) {
			return nil, e.corruptRead(key, ent, errors.New("record does not match index entry"))
		}

		if e.cache != nil && ent.Location.SegmentID != set.active {
			e.cache.Set(ck, bytes.Clone(rec.Value))
		}
		return rec.Value, nil
	}

	return nil, e.corruptRead(key, last, fmt.Errorf("segment for key kept moving after %d attempts", maxReadRetries))
}

func (e *Engine) corruptRead(key []byte, ent model.Entry, cause error) error {
	e.corruptReads.Add(1)
	e.logger.Error("Corrupt record",
		"segment", ent.Location.SegmentID,
		"offset", ent.Location.Offset,
		"length", ent.Location.Length,
		"key_size", len(key),
		"error", cause)
	return &CorruptionError{
		SegmentID: ent.Location.SegmentID,
		Offset:    ent.Location.Offset,
		Err:       cause,
	}
}
