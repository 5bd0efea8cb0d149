package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/hupe1980/caskdb/internal/fs"
	"github.com/hupe1980/caskdb/internal/mmap"
	"github.com/hupe1980/caskdb/internal/model"
)

// ErrShortSegment is returned when a location points past the end of a segment.
var ErrShortSegment = errors.New("segment: location beyond end of segment")

// Handle is a reference-counted read handle on a segment.
//
// A new handle starts with one reference owned by its creator (normally the
// segment set). Readers take a reference with TryIncRef before reading and
// release it with DecRef. When the count reaches zero the underlying file is
// closed and the OnClose callback runs.
type Handle struct {
	id      model.SegmentID
	path    string
	refs    atomic.Int64
	size    atomic.Int64
	reader  io.ReaderAt
	mapping *mmap.Mapping
	closer  io.Closer
	onClose atomic.Pointer[func()]
}

func newHandle(id model.SegmentID, path string, size int64, r io.ReaderAt, c io.Closer) *Handle {
	h := &Handle{id: id, path: path, reader: r, closer: c}
	h.refs.Store(1)
	h.size.Store(size)
	return h
}

// OpenFile opens a sealed segment for positional reads through fsys.
func OpenFile(fsys fs.FileSystem, path string, id model.SegmentID) (*Handle, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return newHandle(id, path, fi.Size(), f, f), nil
}

// OpenMapped memory-maps a sealed segment.
func OpenMapped(path string, id model.SegmentID) (*Handle, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	_ = m.Advise(mmap.AccessRandom)
	h := newHandle(id, path, int64(m.Size()), m, m)
	h.mapping = m
	return h, nil
}

// Open opens a sealed segment, preferring a memory mapping when useMmap is set.
// Mapping failures fall back to file reads.
func Open(fsys fs.FileSystem, path string, id model.SegmentID, useMmap bool) (*Handle, error) {
	if useMmap {
		if h, err := OpenMapped(path, id); err == nil {
			return h, nil
		}
	}
	return OpenFile(fsys, path, id)
}

// ActiveHandle returns a handle that reads through the active writer.
// The handle owns the writer: the writer is closed when the last
// reference is released.
func ActiveHandle(w *Writer) *Handle {
	return newHandle(w.ID(), w.Path(), w.Size(), w, w)
}

// ID returns the segment id.
func (h *Handle) ID() model.SegmentID { return h.id }

// Path returns the segment file path.
func (h *Handle) Path() string { return h.path }

// Size returns the readable size of the segment.
func (h *Handle) Size() int64 { return h.size.Load() }

// SetSize publishes a new readable size. Only the active handle grows.
func (h *Handle) SetSize(n int64) { h.size.Store(n) }

// Mapped reports whether reads are served from a memory mapping.
func (h *Handle) Mapped() bool { return h.mapping != nil }

// SetOnClose registers a callback run after the last reference is released.
func (h *Handle) SetOnClose(f func()) {
	h.onClose.Store(&f)
}

// TryIncRef takes a reference unless the handle is already closed.
func (h *Handle) TryIncRef() bool {
	for {
		refs := h.refs.Load()
		if refs <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// DecRef releases a reference.
func (h *Handle) DecRef() {
	if h.refs.Add(-1) != 0 {
		return
	}
	if h.closer != nil {
		_ = h.closer.Close()
	}
	if f := h.onClose.Load(); f != nil && *f != nil {
		(*f)()
	}
}

// Refs returns the current reference count.
func (h *Handle) Refs() int64 { return h.refs.Load() }

// Read returns a copy of the bytes at loc.
// The caller must hold a reference.
func (h *Handle) Read(loc model.Location) ([]byte, error) {
	if int64(loc.End()) > h.Size() {
		return nil, fmt.Errorf("%w: %s size %d", ErrShortSegment, loc, h.Size())
	}
	buf := make([]byte, loc.Length)
	if h.mapping != nil {
		b, err := h.mapping.Slice(int64(loc.Offset), int(loc.Length))
		if err != nil {
			return nil, err
		}
		copy(buf, b)
		return buf, nil
	}
	if _, err := h.reader.ReadAt(buf, int64(loc.Offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReaderAt exposes the handle's positional reader for sequential scans.
// The caller must hold a reference for as long as it is used.
func (h *Handle) ReaderAt() io.ReaderAt { return h.reader }
