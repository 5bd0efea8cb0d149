package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/caskdb/internal/fs"
	"github.com/hupe1980/caskdb/internal/model"
	"github.com/hupe1980/caskdb/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(k, v string, ts uint64) *record.Record {
	return &record.Record{Timestamp: ts, Key: []byte(k), Value: []byte(v)}
}

func writeSegment(t *testing.T, fsys fs.FileSystem, path string, recs ...*record.Record) []model.Location {
	t.Helper()
	w, err := Create(fsys, path, 1, WriterOptions{SyncWrites: true})
	require.NoError(t, err)
	locs := make([]model.Location, 0, len(recs))
	for _, r := range recs {
		loc, err := w.Append(r)
		require.NoError(t, err)
		locs = append(locs, loc)
	}
	require.NoError(t, w.Close())
	return locs
}

func TestNames(t *testing.T) {
	assert.Equal(t, "000000007.data", DataName(7))
	assert.Equal(t, "000000007.hint", HintName(7))

	id, kind := Parse("000000042.data")
	assert.Equal(t, model.SegmentID(42), id)
	assert.Equal(t, KindData, kind)

	id, kind = Parse(HintName(3))
	assert.Equal(t, model.SegmentID(3), id)
	assert.Equal(t, KindHint, kind)

	_, kind = Parse("000000042.data.tmp")
	assert.Equal(t, KindTemp, kind)
	_, kind = Parse("LOCK")
	assert.Equal(t, KindUnknown, kind)
	_, kind = Parse("abc.data")
	assert.Equal(t, KindUnknown, kind)
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{DataName(3), DataName(1), HintName(1), HintName(9), "000000010.data.tmp", "LOCK", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	l, err := List(fs.Default, dir)
	require.NoError(t, err)
	assert.Equal(t, []model.SegmentID{1, 3}, l.Data)
	assert.True(t, l.HasHint(1))
	assert.False(t, l.HasHint(3))
	assert.Equal(t, []string{"000000010.data.tmp"}, l.Temp)
	assert.Equal(t, model.SegmentID(9), l.MaxID())
}

func TestWriter_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), DataName(1))
	locs := writeSegment(t, fs.Default, path, put("a", "1", 1), put("bb", "22", 2))

	require.Len(t, locs, 2)
	assert.Equal(t, uint64(0), locs[0].Offset)
	assert.Equal(t, uint32(record.HeaderSize+2), locs[0].Length)
	assert.Equal(t, locs[0].End(), locs[1].Offset)

	for _, mapped := range []bool{false, true} {
		t.Run(fmt.Sprintf("mmap=%v", mapped), func(t *testing.T) {
			h, err := Open(fs.Default, path, 1, mapped)
			require.NoError(t, err)
			defer h.DecRef()
			assert.Equal(t, mapped, h.Mapped())
			assert.Equal(t, int64(locs[1].End()), h.Size())

			b, err := h.Read(locs[1])
			require.NoError(t, err)
			rec, err := record.Decode(b)
			require.NoError(t, err)
			assert.Equal(t, "bb", string(rec.Key))
			assert.Equal(t, "22", string(rec.Value))

			_, err = h.Read(model.Location{SegmentID: 1, Offset: locs[1].Offset, Length: locs[1].Length + 1})
			assert.ErrorIs(t, err, ErrShortSegment)
		})
	}
}

func TestWriter_RollbackOnFailedWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DataName(1))

	ffs := fs.NewFaultyFS(nil)
	first := put("a", "1", 1)
	ffs.AddRule(".data", fs.Fault{FailAfterBytes: int64(first.Size() + 5), PartialWrite: true})

	w, err := Create(ffs, path, 1, WriterOptions{SyncWrites: true})
	require.NoError(t, err)

	_, err = w.Append(first)
	require.NoError(t, err)

	_, err = w.Append(put("b", "2", 2))
	require.ErrorIs(t, err, fs.ErrInjected)
	assert.False(t, w.Broken())
	assert.Equal(t, int64(first.Size()), w.Size())
	require.NoError(t, w.Close())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(first.Size()), fi.Size())
}

func TestWriter_RollbackOnFailedSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), DataName(1))
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(".data", fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	w, err := Create(ffs, path, 1, WriterOptions{SyncWrites: true})
	require.NoError(t, err)
	_, err = w.Append(put("a", "1", 1))
	require.Error(t, err)
	assert.Equal(t, int64(0), w.Size())
	require.NoError(t, w.Close())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fi.Size())
}

func TestWriter_BrokenWhenRollbackFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), DataName(1))
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(".data", fs.Fault{FailAfterBytes: 4, PartialWrite: true, FailOnTruncate: true})

	w, err := Create(ffs, path, 1, WriterOptions{})
	require.NoError(t, err)
	_, err = w.Append(put("a", "1", 1))
	require.Error(t, err)
	assert.True(t, w.Broken())

	_, err = w.Append(put("b", "2", 2))
	assert.ErrorIs(t, err, ErrBroken)
	_ = w.Close()
}

func TestWriter_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), DataName(1))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := Create(fs.Default, path, 1, WriterOptions{Exclusive: true})
	assert.Error(t, err)
}

func TestHandle_RefCounting(t *testing.T) {
	path := filepath.Join(t.TempDir(), DataName(1))
	writeSegment(t, fs.Default, path, put("a", "1", 1))

	h, err := OpenFile(fs.Default, path, 1)
	require.NoError(t, err)

	closed := false
	h.SetOnClose(func() { closed = true })

	require.True(t, h.TryIncRef())
	assert.Equal(t, int64(2), h.Refs())

	h.DecRef()
	assert.False(t, closed)
	h.DecRef()
	assert.True(t, closed)
	assert.False(t, h.TryIncRef())
}

func TestHandle_ActiveReadsThroughWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), DataName(5))
	w, err := Create(fs.Default, path, 5, WriterOptions{})
	require.NoError(t, err)

	h := ActiveHandle(w)
	loc, err := w.Append(put("k", "v", 1))
	require.NoError(t, err)
	h.SetSize(w.Size())

	b, err := h.Read(loc)
	require.NoError(t, err)
	rec, err := record.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "v", string(rec.Value))

	h.DecRef()
	// The handle closed the writer.
	_, err = w.ReadAt(make([]byte, 1), 0)
	assert.Error(t, err)
}

func scanAll(t *testing.T, path string) (items []string, corrupt int, valid int64, tailErr error) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	fi, err := f.Stat()
	require.NoError(t, err)

	s := NewScanner(f, fi.Size())
	for {
		it, err := s.Next()
		if err == nil {
			items = append(items, string(it.Record.Key))
			continue
		}
		var ce *CorruptRecordError
		if errors.As(err, &ce) {
			corrupt++
			continue
		}
		if err != io.EOF {
			tailErr = err
		}
		return items, corrupt, s.Offset(), tailErr
	}
}

func TestScanner_Clean(t *testing.T) {
	path := filepath.Join(t.TempDir(), DataName(1))
	locs := writeSegment(t, fs.Default, path, put("a", "1", 1), put("b", "2", 2), &record.Record{Timestamp: 3, Key: []byte("a"), Deleted: true})

	items, corrupt, valid, tailErr := scanAll(t, path)
	assert.Equal(t, []string{"a", "b", "a"}, items)
	assert.Zero(t, corrupt)
	assert.NoError(t, tailErr)
	assert.Equal(t, int64(locs[2].End()), valid)
}

func TestScanner_TruncatedAtEveryOffset(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.data")
	locs := writeSegment(t, fs.Default, src, put("a", "one", 1), put("b", "two", 2), put("c", "three", 3))
	full, err := os.ReadFile(src)
	require.NoError(t, err)

	for cut := 0; cut <= len(full); cut++ {
		path := filepath.Join(dir, fmt.Sprintf("cut-%d", cut))
		require.NoError(t, os.WriteFile(path, full[:cut], 0o644))

		items, corrupt, valid, tailErr := scanAll(t, path)
		assert.Zero(t, corrupt)

		var want int
		var boundary int64
		for _, l := range locs {
			if int(l.End()) <= cut {
				want++
				boundary = int64(l.End())
			}
		}
		assert.Len(t, items, want, "cut=%d", cut)
		assert.Equal(t, boundary, valid, "cut=%d", cut)
		if int64(cut) == boundary {
			assert.NoError(t, tailErr)
		} else {
			assert.ErrorIs(t, tailErr, ErrTruncated)
		}
	}
}

func TestScanner_SkipsCorruptMiddleRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), DataName(1))
	locs := writeSegment(t, fs.Default, path, put("a", "1", 1), put("b", "2", 2), put("c", "3", 3))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[locs[1].End()-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, b, 0o644))

	items, corrupt, valid, tailErr := scanAll(t, path)
	assert.Equal(t, []string{"a", "c"}, items)
	assert.Equal(t, 1, corrupt)
	assert.NoError(t, tailErr)
	assert.Equal(t, int64(locs[2].End()), valid)
}

func TestScanner_ResyncsPastCorruptHeader(t *testing.T) {
	for _, tc := range []struct {
		name  string
		field int
	}{
		{name: "key size", field: 14},
		{name: "value size", field: 18},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), DataName(1))
			locs := writeSegment(t, fs.Default, path, put("k1", "v1", 1), put("k2", "v2", 2), put("k3", "v3", 3))

			b, err := os.ReadFile(path)
			require.NoError(t, err)
			b[tc.field] = 0xFF
			require.NoError(t, os.WriteFile(path, b, 0o644))

			items, corrupt, valid, tailErr := scanAll(t, path)
			assert.Equal(t, []string{"k2", "k3"}, items)
			assert.Equal(t, 1, corrupt)
			assert.NoError(t, tailErr)
			assert.Equal(t, int64(locs[2].End()), valid)
		})
	}
}

func TestScanner_CorruptHeaderWithNothingValidAfter(t *testing.T) {
	path := filepath.Join(t.TempDir(), DataName(1))
	locs := writeSegment(t, fs.Default, path, put("a", "1", 1), put("b", "2", 2))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[int(locs[1].Offset)+14] = 0xFF
	require.NoError(t, os.WriteFile(path, b, 0o644))

	items, corrupt, valid, tailErr := scanAll(t, path)
	assert.Equal(t, []string{"a"}, items)
	assert.Zero(t, corrupt)
	assert.ErrorIs(t, tailErr, ErrTruncated)
	assert.Equal(t, int64(locs[0].End()), valid)
}

func TestScanner_CorruptFinalRecordIsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), DataName(1))
	locs := writeSegment(t, fs.Default, path, put("a", "1", 1), put("b", "2", 2))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[len(b)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, b, 0o644))

	items, _, valid, tailErr := scanAll(t, path)
	assert.Equal(t, []string{"a"}, items)
	assert.ErrorIs(t, tailErr, ErrTruncated)
	assert.Equal(t, int64(locs[0].End()), valid)
}

func TestWriter_Buffered(t *testing.T) {
	path := filepath.Join(t.TempDir(), DataName(2))
	var wrapped int
	w, err := Create(fs.Default, path, 2, WriterOptions{
		BufferSize: 64,
		Wrap: func(w io.Writer) io.Writer {
			wrapped++
			return w
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, wrapped)

	for i := 0; i < 20; i++ {
		_, err := w.Append(put(fmt.Sprintf("k%02d", i), "value", uint64(i+1)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	items, corrupt, valid, tailErr := scanAll(t, path)
	assert.Len(t, items, 20)
	assert.Zero(t, corrupt)
	assert.NoError(t, tailErr)
	assert.Equal(t, w.Size(), valid)
}
