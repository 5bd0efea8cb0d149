package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/caskdb/internal/fs"
	"github.com/hupe1980/caskdb/internal/hint"
	"github.com/hupe1980/caskdb/internal/keydir"
	"github.com/hupe1980/caskdb/internal/model"
	"github.com/hupe1980/caskdb/internal/record"
	"github.com/hupe1980/caskdb/internal/segment"
)

// RecoveryReport summarizes the work done by Open to rebuild the index.
type RecoveryReport struct {
	SegmentsScanned int
	HintsLoaded     int
	HintsInvalid    int
	Truncations     int
	TruncatedBytes  int64
	CorruptRecords  int
	DroppedEntries  int
	Keys            int
	Duration        time.Duration
}

// RecoveryState is a phase of recovery.
type RecoveryState int

const (
	RecoveryScanning RecoveryState = iota
	RecoveryValidating
	RecoveryReady
)

func (s RecoveryState) String() string {
	switch s {
	case RecoveryScanning:
		return "scanning"
	case RecoveryValidating:
		return "validating"
	case RecoveryReady:
		return "ready"
	default:
		return fmt.Sprintf("RecoveryState(%d)", int(s))
	}
}

// rebuilder applies observed records to the keydir following the
// resolution rule. Tombstone timestamps are remembered so that an older
// record found later cannot resurrect a deleted key.
type rebuilder struct {
	kd    *keydir.Keydir
	tombs map[string]uint64
	maxTS uint64
}

func (r *rebuilder) apply(key []byte, ent model.Entry, deleted bool) {
	r.maxTS = max(r.maxTS, ent.Timestamp)
	if deleted {
		if ts, ok := r.tombs[string(key)]; !ok || ent.Timestamp > ts {
			r.tombs[string(key)] = ent.Timestamp
		}
		r.kd.DeleteIfOlder(key, ent.Timestamp)
		return
	}
	if ts, ok := r.tombs[string(key)]; ok && ts >= ent.Timestamp {
		return
	}
	r.kd.PutIfNewer(key, ent)
}

type loadedHint struct {
	entries []hint.Entry
	ok      bool
}

func (e *Engine) setState(s RecoveryState) {
	e.logger.Info("Recovery state", "state", s.String(), "dir", e.dir)
}

// recover rebuilds the keydir from the segment files in e.dir and opens a
// fresh active segment.
func (e *Engine) recover() error {
	start := time.Now()
	rep := &e.recovery

	if err := e.fs.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create directory %s: %w", ErrIO, e.dir, err)
	}
	lock, err := fs.AcquireLock(filepath.Join(e.dir, segment.LockName))
	if err != nil {
		if errors.Is(err, fs.ErrLocked) {
			return fmt.Errorf("%w: %s", ErrLocked, e.dir)
		}
		return fmt.Errorf("%w: lock %s: %w", ErrIO, e.dir, err)
	}
	e.lock = lock

	e.setState(RecoveryScanning)

	listing, err := segment.List(e.fs, e.dir)
	if err != nil {
		return fmt.Errorf("%w: list %s: %w", ErrIO, e.dir, err)
	}
	// Ids of orphan hints are not reused.
	maxID := listing.MaxID()
	e.removeLeftovers(listing)

	hints := e.loadHints(listing)

	// Only the newest segment without a hint can end in a torn write.
	var tail model.SegmentID
	for i, id := range listing.Data {
		if !hints[i].ok {
			tail = max(tail, id)
		}
	}

	rb := &rebuilder{kd: e.keydir, tombs: make(map[string]uint64)}
	var live []model.SegmentID
	for i, id := range listing.Data {
		rep.SegmentsScanned++
		if hints[i].ok {
			rep.HintsLoaded++
			for _, he := range hints[i].entries {
				ent := model.Entry{
					Location:  model.Location{SegmentID: id, Offset: he.Offset, Length: he.RecordSize()},
					Timestamp: he.Timestamp,
				}
				rb.apply(he.Key, ent, he.Deleted())
			}
			live = append(live, id)
			continue
		}

		size, err := e.replay(id, id == tail, rb, rep)
		if err != nil {
			return err
		}
		if size == 0 {
			e.removeSegment(id)
			continue
		}
		live = append(live, id)
	}

	handles := make([]*segment.Handle, 0, len(live)+1)
	for _, id := range live {
		h, err := segment.Open(e.fs, segment.DataPath(e.dir, id), id, e.useMmap)
		if err != nil {
			for _, h := range handles {
				h.DecRef()
			}
			return fmt.Errorf("%w: open segment %d: %w", ErrIO, id, err)
		}
		handles = append(handles, h)
	}

	e.setState(RecoveryValidating)
	e.validateIndex(handles, rep)

	e.setState(RecoveryReady)
	e.clock = rb.maxTS
	e.nextID.Store(uint64(maxID) + 1)

	id := model.SegmentID(e.nextID.Add(1) - 1)
	w, err := e.createActive(id)
	if err != nil {
		for _, h := range handles {
			h.DecRef()
		}
		return err
	}
	e.active = w
	e.activeHandle = segment.ActiveHandle(w)
	e.activeHint = hint.NewWriter(e.hintCodec)
	e.usage.setSize(id, 0)
	e.usage.setActive(id, true)

	handles = append(handles, e.activeHandle)
	e.setMu.Lock()
	e.publish(newSegmentSet(id, handles...))
	e.setMu.Unlock()

	rep.Keys = e.keydir.Len()
	rep.Duration = time.Since(start)

	e.logger.Info("Recovery completed",
		"segments", rep.SegmentsScanned,
		"hints_loaded", rep.HintsLoaded,
		"hints_invalid", rep.HintsInvalid,
		"truncations", rep.Truncations,
		"truncated_bytes", rep.TruncatedBytes,
		"corrupt_records", rep.CorruptRecords,
		"dropped_entries", rep.DroppedEntries,
		"keys", rep.Keys,
		"active", id,
		"duration", rep.Duration)

	return nil
}

// removeLeftovers deletes uncommitted temporary files and hints whose data
// file is gone.
func (e *Engine) removeLeftovers(l *segment.Listing) {
	for _, name := range l.Temp {
		path := filepath.Join(e.dir, name)
		if err := e.fs.Remove(path); err != nil {
			e.logger.Warn("Failed to remove temporary file", "path", path, "error", err)
			continue
		}
		e.logger.Info("Removed temporary file", "path", path)
	}

	data := make(map[model.SegmentID]struct{}, len(l.Data))
	for _, id := range l.Data {
		data[id] = struct{}{}
	}
	for id := range l.Hints {
		if _, ok := data[id]; ok {
			continue
		}
		path := segment.HintPath(e.dir, id)
		if err := e.fs.Remove(path); err != nil {
			e.logger.Warn("Failed to remove orphan hint", "path", path, "error", err)
		}
		delete(l.Hints, id)
	}
}

// loadHints reads and verifies hint files in parallel. A hint is only used
// if it decodes cleanly and every entry lies inside its data file.
func (e *Engine) loadHints(l *segment.Listing) []loadedHint {
	out := make([]loadedHint, len(l.Data))

	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, id := range l.Data {
		if !l.HasHint(id) {
			continue
		}
		g.Go(func() error {
			entries, err := e.readHint(id)
			if err != nil {
				e.logger.Warn("Invalid hint file, scanning segment", "segment", id, "error", err)
				return nil
			}
			out[i] = loadedHint{entries: entries, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range l.Data {
		if l.HasHint(id) && !out[i].ok {
			e.recovery.HintsInvalid++
		}
	}
	return out
}

func (e *Engine) readHint(id model.SegmentID) ([]hint.Entry, error) {
	fi, err := e.fs.Stat(segment.DataPath(e.dir, id))
	if err != nil {
		return nil, err
	}
	entries, err := hint.Read(e.fs, segment.HintPath(e.dir, id))
	if err != nil {
		return nil, err
	}
	var end uint64
	for _, he := range entries {
		end = max(end, he.Offset+uint64(he.RecordSize()))
	}
	if end > uint64(fi.Size()) {
		return nil, fmt.Errorf("%w: entries extend to %d, data file has %d bytes", hint.ErrCorrupt, end, fi.Size())
	}
	return entries, nil
}

// replay scans segment id record by record and applies it to rb. Damaged
// records are skipped and counted. Trailing bytes that hold no valid record
// are truncated away only when tail is set; in any other segment they are
// reported as corrupt and the file is left intact. It returns the size of
// the segment after recovery.
func (e *Engine) replay(id model.SegmentID, tail bool, rb *rebuilder, rep *RecoveryReport) (int64, error) {
	path := segment.DataPath(e.dir, id)
	f, err := e.fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: open segment %d: %w", ErrIO, id, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("%w: stat segment %d: %w", ErrIO, id, err)
	}
	size := fi.Size()

	var hw *hint.Writer
	if e.eagerHints {
		hw = hint.NewWriter(e.hintCodec)
	}

	sc := segment.NewScanner(f, size)
	truncated := false
	for {
		it, err := sc.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, segment.ErrTruncated) {
			truncated = true
			break
		}
		var cre *segment.CorruptRecordError
		if errors.As(err, &cre) {
			rep.CorruptRecords++
			e.logger.Error("Corrupt record skipped",
				"segment", id, "offset", cre.Offset, "size", cre.Size, "error", ErrCorrupt)
			continue
		}
		if err != nil {
			_ = f.Close()
			return 0, fmt.Errorf("%w: scan segment %d: %w", ErrIO, id, err)
		}

		rec := it.Record
		ent := model.Entry{
			Location:  model.Location{SegmentID: id, Offset: uint64(it.Offset), Length: uint32(it.Size)},
			Timestamp: rec.Timestamp,
		}
		rb.apply(rec.Key, ent, rec.Deleted)

		if hw != nil {
			he := hint.Entry{Timestamp: rec.Timestamp, Key: rec.Key, Offset: uint64(it.Offset)}
			if rec.Deleted {
				he.ValueSize = record.TombstoneSize
			} else {
				he.ValueSize = uint32(len(rec.Value))
			}
			hw.Add(he)
		}
	}
	_ = f.Close()

	if truncated && !tail {
		valid := sc.Offset()
		rep.CorruptRecords++
		e.logger.Error("Corrupt segment tail",
			"segment", id, "offset", valid, "size", size-valid, "error", ErrCorrupt)
	} else if truncated {
		valid := sc.Offset()
		if err := e.fs.Truncate(path, valid); err != nil {
			return 0, fmt.Errorf("%w: truncate segment %d: %w", ErrIO, id, err)
		}
		rep.Truncations++
		rep.TruncatedBytes += size - valid
		e.logger.Warn("Truncated log tail",
			"segment", id, "valid_bytes", valid, "dropped_bytes", size-valid, "error", ErrTruncated)
		size = valid
	}

	if hw != nil && size > 0 && hw.Len() > 0 {
		if err := hint.Write(e.fs, segment.HintPath(e.dir, id), hw); err != nil {
			e.logger.Warn("Failed to write hint file", "segment", id, "error", err)
		}
	}
	return size, nil
}

// removeSegment deletes an empty segment and its hint.
func (e *Engine) removeSegment(id model.SegmentID) {
	for _, path := range []string{segment.DataPath(e.dir, id), segment.HintPath(e.dir, id)} {
		if err := e.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("Failed to remove empty segment", "path", path, "error", err)
		}
	}
}

// validateIndex drops entries that point outside the opened segments and
// computes per-segment usage.
func (e *Engine) validateIndex(handles []*segment.Handle, rep *RecoveryReport) {
	sizes := make(map[model.SegmentID]int64, len(handles))
	for _, h := range handles {
		sizes[h.ID()] = h.Size()
		e.usage.setSize(h.ID(), h.Size())
	}

	var bad [][]byte
	e.keydir.Range(func(key string, ent model.Entry) bool {
		size, ok := sizes[ent.Location.SegmentID]
		if !ok || ent.Location.End() > uint64(size) {
			bad = append(bad, []byte(key))
			return true
		}
		e.usage.retain(ent.Location)
		return true
	})

	for _, key := range bad {
		ent, ok := e.keydir.Delete(key)
		if !ok {
			continue
		}
		rep.DroppedEntries++
		e.logger.Warn("Dropped index entry", "segment", ent.Location.SegmentID, "offset", ent.Location.Offset)
	}
}
