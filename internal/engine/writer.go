package engine

import (
	"fmt"
	"time"

	"github.com/hupe1980/caskdb/internal/hint"
	"github.com/hupe1980/caskdb/internal/model"
	"github.com/hupe1980/caskdb/internal/record"
	"github.com/hupe1980/caskdb/internal/segment"
)

// Put stores value under key. On return without error the record is in the
// active segment (and synced when sync writes are enabled) and visible to
// readers.
func (e *Engine) Put(key, value []byte) (err error) {
	start := time.Now()
	size := record.HeaderSize + len(key) + len(value)
	defer func() {
		e.metrics.OnPut(time.Since(start), size, err)
	}()

	if err := record.ValidateKey(key); err != nil {
		return err
	}
	if err := record.ValidateValue(value); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}

	ent, err := e.appendLocked(&record.Record{Key: key, Value: value})
	if err != nil {
		return err
	}

	e.usage.retain(ent.Location)
	if prev, ok := e.keydir.Put(key, ent); ok {
		e.usage.release(prev.Location)
	}

	e.maybeRotateLocked()
	return nil
}

// Delete removes key. Deleting an absent key is a no-op and writes nothing.
func (e *Engine) Delete(key []byte) (err error) {
	start := time.Now()
	defer func() {
		e.metrics.OnDelete(time.Since(start), err)
	}()

	if err := record.ValidateKey(key); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	if _, ok := e.keydir.Get(key); !ok {
		return nil
	}

	if _, err := e.appendLocked(&record.Record{Key: key, Deleted: true}); err != nil {
		return err
	}

	if prev, ok := e.keydir.Delete(key); ok {
		e.usage.release(prev.Location)
	}

	e.maybeRotateLocked()
	return nil
}

// appendLocked writes rec to the active segment with the next timestamp.
// A failed append leaves the segment, the clock and the keydir unchanged.
// Callers hold writeMu.
func (e *Engine) appendLocked(rec *record.Record) (model.Entry, error) {
	if e.needRotate || e.active.Broken() {
		if err := e.rotateLocked(); err != nil {
			return model.Entry{}, err
		}
	}

	rec.Timestamp = e.clock + 1
	loc, err := e.active.Append(rec)
	if err != nil {
		if e.active.Broken() {
			e.logger.Error("Active segment is broken, rotating before next write",
				"segment", e.active.ID(), "error", err)
		}
		return model.Entry{}, fmt.Errorf("%w: segment %d: %w", ErrIO, e.active.ID(), err)
	}

	e.clock = rec.Timestamp
	e.activeHandle.SetSize(e.active.Size())
	e.usage.setSize(loc.SegmentID, e.active.Size())

	if e.eagerHints {
		var vsz uint32 = record.TombstoneSize
		if !rec.Deleted {
			vsz = uint32(len(rec.Value))
		}
		e.activeHint.Add(hint.Entry{
			Timestamp: rec.Timestamp,
			Key:       rec.Key,
			Offset:    loc.Offset,
			ValueSize: vsz,
		})
	}

	return model.Entry{Location: loc, Timestamp: rec.Timestamp}, nil
}

// maybeRotateLocked seals the active segment once it reached segmentSize.
// A failed rotation is retried before the next append.
func (e *Engine) maybeRotateLocked() {
	if e.active.Size() < e.segmentSize {
		return
	}
	if err := e.rotateLocked(); err != nil {
		e.needRotate = true
		e.logger.Error("Segment rotation failed", "segment", e.active.ID(), "error", err)
	}
}

// rotateLocked seals the active segment and opens the next one.
// Callers hold writeMu.
func (e *Engine) rotateLocked() error {
	old := e.active
	oldHandle := e.activeHandle

	if !old.Broken() {
		if err := old.Sync(); err != nil {
			return fmt.Errorf("%w: sync segment %d: %w", ErrIO, old.ID(), err)
		}
	}

	id := model.SegmentID(e.nextID.Add(1) - 1)
	w, err := e.createActive(id)
	if err != nil {
		return err
	}

	var sealed *segment.Handle
	if old.Size() > 0 {
		sealed, err = segment.Open(e.fs, old.Path(), old.ID(), e.useMmap)
		if err != nil {
			_ = w.Close()
			_ = e.fs.Remove(w.Path())
			return fmt.Errorf("%w: open sealed segment %d: %w", ErrIO, old.ID(), err)
		}
		if e.eagerHints && !old.Broken() && e.activeHint.Len() > 0 {
			if err := hint.Write(e.fs, segment.HintPath(e.dir, old.ID()), e.activeHint); err != nil {
				e.logger.Warn("Failed to write hint file", "segment", old.ID(), "error", err)
			}
		}
	}

	newHandle := segment.ActiveHandle(w)

	e.setMu.Lock()
	cur := e.segments.Load()
	add := []*segment.Handle{newHandle}
	var remove []model.SegmentID
	if sealed != nil {
		add = append(add, sealed)
	} else {
		remove = append(remove, old.ID())
	}
	e.publish(cur.with(id, add, remove))
	e.setMu.Unlock()

	e.active = w
	e.activeHandle = newHandle
	e.activeHint = hint.NewWriter(e.hintCodec)
	e.needRotate = false
	e.usage.setActive(old.ID(), false)
	e.usage.setSize(id, 0)
	e.usage.setActive(id, true)

	if sealed == nil {
		// Nothing was ever committed to the old segment.
		oldHandle.SetOnClose(func() { _ = e.fs.Remove(old.Path()) })
		e.usage.drop(old.ID())
	}
	oldHandle.DecRef()

	size := old.Size()
	e.metrics.OnRotate(old.ID(), size)
	e.logger.Info("Segment rotated", "sealed", old.ID(), "size", size, "active", id)

	e.signalMerge()
	return nil
}

// createActive creates segment id as a new active segment and makes its
// directory entry durable.
func (e *Engine) createActive(id model.SegmentID) (*segment.Writer, error) {
	path := segment.DataPath(e.dir, id)
	w, err := segment.Create(e.fs, path, id, segment.WriterOptions{
		SyncWrites: e.syncWrites,
		Exclusive:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create segment %d: %w", ErrIO, id, err)
	}
	if err := syncDir(e.fs, e.dir); err != nil {
		_ = w.Close()
		_ = e.fs.Remove(path)
		return nil, err
	}
	return w, nil
}
