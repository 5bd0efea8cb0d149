package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/caskdb/internal/hint"
	"github.com/hupe1980/caskdb/internal/model"
	"github.com/hupe1980/caskdb/internal/record"
	"github.com/hupe1980/caskdb/internal/resource"
	"github.com/hupe1980/caskdb/internal/segment"
)

const (
	// mergeBufferSize is the write buffer of merge outputs.
	mergeBufferSize = 1 << 20

	// mergeCheckEvery is how many scanned records pass between context checks.
	mergeCheckEvery = 256
)

// MergeReport summarizes one merge.
type MergeReport struct {
	SegmentsMerged  int
	SegmentsWritten int
	KeysRelocated   int
	Conflicts       int
	KeysDropped     int
	BytesReclaimed  int64
	Duration        time.Duration
}

// Merge rewrites the live records of every sealed segment that holds dead
// bytes into new segments and removes the old ones. Concurrent calls share
// one run and its result. Reads and writes proceed while a merge runs.
func (e *Engine) Merge(ctx context.Context) (MergeReport, error) {
	if e.closed.Load() {
		return MergeReport{}, ErrClosed
	}
	v, err, _ := e.mergeGroup.Do("merge", func() (any, error) {
		return e.merge(ctx)
	})
	rep, _ := v.(MergeReport)
	return rep, err
}

func (e *Engine) merge(ctx context.Context) (rep MergeReport, err error) {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	if e.closed.Load() {
		return rep, ErrClosed
	}

	if err := e.rc.AcquireBackground(ctx); err != nil {
		return rep, err
	}
	defer e.rc.ReleaseBackground()

	defer func() {
		rep.Duration = time.Since(start)
		e.metrics.OnMerge(rep, err)
		if err != nil {
			e.logger.Error("Merge failed", "error", err, "duration", rep.Duration)
		}
	}()

	if err := e.sealDirtyActive(); err != nil {
		return rep, err
	}

	set := e.segments.Load()
	var pinned []*segment.Handle
	defer func() {
		for _, h := range pinned {
			h.DecRef()
		}
	}()
	for _, id := range set.sealed() {
		if e.usage.stats(id).Dead() <= 0 {
			continue
		}
		h := set.get(id)
		if !h.TryIncRef() {
			return rep, fmt.Errorf("%w: segment %d is closed", ErrIO, id)
		}
		pinned = append(pinned, h)
	}
	if len(pinned) == 0 {
		return rep, nil
	}

	live := make(map[model.SegmentID]*roaring64.Bitmap, len(pinned))
	for _, h := range pinned {
		live[h.ID()] = roaring64.New()
	}
	e.keydir.Range(func(_ string, ent model.Entry) bool {
		if bm, ok := live[ent.Location.SegmentID]; ok {
			bm.Add(ent.Location.Offset)
		}
		return true
	})

	e.logger.Info("Merge started", "segments", len(pinned))

	out := &mergeOutput{e: e, ctx: ctx}
	for _, h := range pinned {
		if err := e.rewrite(ctx, h, live[h.ID()], out); err != nil {
			out.abort()
			return rep, err
		}
	}
	if err := ctx.Err(); err != nil {
		out.abort()
		return rep, err
	}
	handles, err := out.install()
	if err != nil {
		out.abort()
		return rep, err
	}

	e.commit(pinned, handles, out.moves, live, &rep)

	e.merges.Add(1)
	e.bytesReclaimed.Add(rep.BytesReclaimed)
	e.logger.Info("Merge completed",
		"segments_merged", rep.SegmentsMerged,
		"segments_written", rep.SegmentsWritten,
		"keys_relocated", rep.KeysRelocated,
		"conflicts", rep.Conflicts,
		"keys_dropped", rep.KeysDropped,
		"bytes_reclaimed", rep.BytesReclaimed,
		"duration", time.Since(start))
	return rep, nil
}

// sealDirtyActive rotates the active segment if some of its records are
// already superseded, so that they can be reclaimed by this merge.
func (e *Engine) sealDirtyActive() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	st := e.usage.stats(e.active.ID())
	if e.active.Size() == 0 || st.Dead() <= 0 {
		return nil
	}
	return e.rotateLocked()
}

// rewrite copies the records of h whose offsets are in live to out and
// removes each copied offset from live. Offsets left in live afterwards
// were never reached by the scan.
func (e *Engine) rewrite(ctx context.Context, h *segment.Handle, live *roaring64.Bitmap, out *mergeOutput) error {
	if live.IsEmpty() {
		return nil
	}
	sc := segment.NewScanner(h.ReaderAt(), h.Size())
	for n := 0; ; n++ {
		if n%mergeCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		it, err := sc.Next()
		if err == io.EOF || errors.Is(err, segment.ErrTruncated) {
			return nil
		}
		var cre *segment.CorruptRecordError
		if errors.As(err, &cre) {
			e.logger.Warn("Merge skipped corrupt record", "segment", h.ID(), "offset", cre.Offset)
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: scan segment %d: %w", ErrIO, h.ID(), err)
		}

		rec := it.Record
		if rec.Deleted || !live.Contains(uint64(it.Offset)) {
			continue
		}
		old := model.Entry{
			Location:  model.Location{SegmentID: h.ID(), Offset: uint64(it.Offset), Length: uint32(it.Size)},
			Timestamp: rec.Timestamp,
		}
		if err := out.append(rec, old); err != nil {
			return err
		}
		live.Remove(uint64(it.Offset))
	}
}

// commit publishes the merge outputs, repoints relocated keys and retires
// the merged segments. Keys still indexed at an offset in unreached lose
// their only copy with the merged segment and are removed from the keydir.
func (e *Engine) commit(merged, outputs []*segment.Handle, moves []relocation, unreached map[model.SegmentID]*roaring64.Bitmap, rep *MergeReport) {
	e.setMu.Lock()
	cur := e.segments.Load()
	e.publish(cur.with(cur.active, outputs, nil))
	e.setMu.Unlock()

	var written int64
	for _, h := range outputs {
		e.usage.setSize(h.ID(), h.Size())
		written += h.Size()
	}

	for _, m := range moves {
		if e.keydir.CompareAndSwap(m.key, m.old, m.next) {
			e.usage.release(m.old.Location)
			e.usage.retain(m.next.Location)
			rep.KeysRelocated++
			continue
		}
		// Overwritten or deleted since the snapshot.
		rep.Conflicts++
	}

	e.dropUnreached(unreached, rep)

	ids := make([]model.SegmentID, len(merged))
	var reclaimed int64
	for i, h := range merged {
		ids[i] = h.ID()
		reclaimed += h.Size()
	}

	e.setMu.Lock()
	cur = e.segments.Load()
	e.publish(cur.with(cur.active, nil, ids))
	e.setMu.Unlock()

	// Ascending order: a tombstone is never removed while an older segment
	// it shadows is still on disk.
	for _, h := range merged {
		if e.cache != nil {
			e.cache.InvalidateSegment(h.ID())
		}
		e.removeSegmentFiles(h)
		h.DecRef()
	}
	if err := syncDir(e.fs, e.dir); err != nil {
		e.logger.Warn("Failed to sync directory after merge", "error", err)
	}
	e.usage.drop(ids...)

	rep.SegmentsMerged = len(merged)
	rep.SegmentsWritten = len(outputs)
	rep.BytesReclaimed = reclaimed - written
}

// dropUnreached removes keydir entries whose record the merge scan could
// not read. An entry overwritten in the meantime is left alone.
func (e *Engine) dropUnreached(unreached map[model.SegmentID]*roaring64.Bitmap, rep *MergeReport) {
	pending := false
	for _, bm := range unreached {
		if !bm.IsEmpty() {
			pending = true
			break
		}
	}
	if !pending {
		return
	}

	var lost []relocation
	e.keydir.Range(func(key string, ent model.Entry) bool {
		if bm, ok := unreached[ent.Location.SegmentID]; ok && bm.Contains(ent.Location.Offset) {
			lost = append(lost, relocation{key: []byte(key), old: ent})
		}
		return true
	})
	for _, m := range lost {
		if !e.keydir.CompareAndDelete(m.key, m.old) {
			continue
		}
		e.usage.release(m.old.Location)
		rep.KeysDropped++
		e.logger.Error("Merge dropped unreadable record",
			"segment", m.old.Location.SegmentID, "offset", m.old.Location.Offset, "error", ErrCorrupt)
	}
}

// removeSegmentFiles unlinks the data and hint file of a retired segment.
// Files that cannot be removed while open are retried once the last
// reader releases the handle.
func (e *Engine) removeSegmentFiles(h *segment.Handle) {
	data := h.Path()
	hintPath := segment.HintPath(e.dir, h.ID())

	remove := func() error {
		if err := e.fs.Remove(data); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := e.fs.Remove(hintPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := remove(); err != nil {
		e.logger.Warn("Deferring removal of merged segment", "segment", h.ID(), "error", err)
		h.SetOnClose(func() {
			if err := remove(); err != nil {
				e.logger.Error("Failed to remove merged segment", "segment", h.ID(), "error", err)
			}
		})
	}
}

// relocation records where merge copied a live record.
type relocation struct {
	key  []byte
	old  model.Entry
	next model.Entry
}

type mergeFile struct {
	w       *segment.Writer
	hint    *hint.Writer
	tmp     string
	final   string
	renamed bool
	handle  *segment.Handle
}

// mergeOutput writes merge output segments as temporary files.
type mergeOutput struct {
	e     *Engine
	ctx   context.Context
	files []*mergeFile
	moves []relocation
}

func (o *mergeOutput) current() (*mergeFile, error) {
	if n := len(o.files); n > 0 && o.files[n-1].w.Size() < o.e.segmentSize {
		return o.files[n-1], nil
	}

	id := model.SegmentID(o.e.nextID.Add(1) - 1)
	final := segment.DataPath(o.e.dir, id)
	tmp := final + segment.TmpExt
	w, err := segment.Create(o.e.fs, tmp, id, segment.WriterOptions{
		BufferSize: mergeBufferSize,
		Wrap: func(w io.Writer) io.Writer {
			return resource.NewRateLimitedWriter(o.ctx, w, o.e.rc)
		},
		Exclusive: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create merge output %d: %w", ErrIO, id, err)
	}
	f := &mergeFile{w: w, hint: hint.NewWriter(o.e.hintCodec), tmp: tmp, final: final}
	o.files = append(o.files, f)
	return f, nil
}

func (o *mergeOutput) append(rec *record.Record, old model.Entry) error {
	f, err := o.current()
	if err != nil {
		return err
	}
	loc, err := f.w.Append(rec)
	if err != nil {
		return fmt.Errorf("%w: merge output %d: %w", ErrIO, f.w.ID(), err)
	}

	vsz := uint32(len(rec.Value))
	f.hint.Add(hint.Entry{Timestamp: rec.Timestamp, Key: rec.Key, Offset: loc.Offset, ValueSize: vsz})
	o.moves = append(o.moves, relocation{
		key:  bytes.Clone(rec.Key),
		old:  old,
		next: model.Entry{Location: loc, Timestamp: rec.Timestamp},
	})
	return nil
}

// install makes the outputs durable under their final names and opens
// them for reading.
func (o *mergeOutput) install() ([]*segment.Handle, error) {
	e := o.e
	for _, f := range o.files {
		if err := f.w.Sync(); err != nil {
			return nil, fmt.Errorf("%w: sync merge output %d: %w", ErrIO, f.w.ID(), err)
		}
		if err := f.w.Close(); err != nil {
			return nil, fmt.Errorf("%w: close merge output %d: %w", ErrIO, f.w.ID(), err)
		}
		if e.eagerHints {
			if err := hint.Write(e.fs, segment.HintPath(e.dir, f.w.ID()), f.hint); err != nil {
				e.logger.Warn("Failed to write hint file", "segment", f.w.ID(), "error", err)
			}
		}
		if err := e.fs.Rename(f.tmp, f.final); err != nil {
			return nil, fmt.Errorf("%w: rename merge output %d: %w", ErrIO, f.w.ID(), err)
		}
		f.renamed = true
	}
	if err := syncDir(e.fs, e.dir); err != nil {
		return nil, err
	}

	handles := make([]*segment.Handle, 0, len(o.files))
	for _, f := range o.files {
		h, err := segment.Open(e.fs, f.final, f.w.ID(), e.useMmap)
		if err != nil {
			return nil, fmt.Errorf("%w: open merge output %d: %w", ErrIO, f.w.ID(), err)
		}
		f.handle = h
		handles = append(handles, h)
	}
	return handles, nil
}

// abort discards every output file. Nothing has been published yet.
func (o *mergeOutput) abort() {
	e := o.e
	for _, f := range o.files {
		if f.handle != nil {
			f.handle.DecRef()
		}
		_ = f.w.Close()
		path := f.tmp
		if f.renamed {
			path = f.final
		}
		if err := e.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("Failed to remove merge output", "path", path, "error", err)
		}
		if err := e.fs.Remove(segment.HintPath(e.dir, f.w.ID())); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("Failed to remove merge hint", "segment", f.w.ID(), "error", err)
		}
	}
	o.files = nil
	o.moves = nil
}
