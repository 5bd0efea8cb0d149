package segment

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hupe1980/caskdb/internal/fs"
	"github.com/hupe1980/caskdb/internal/model"
	"github.com/hupe1980/caskdb/internal/record"
)

// ErrBroken is returned by Append after a failed write could not be rolled back.
var ErrBroken = errors.New("segment: writer is broken")

// WriterOptions configures a Writer.
type WriterOptions struct {
	// SyncWrites fsyncs after every append.
	SyncWrites bool
	// BufferSize enables a write buffer of this many bytes. Buffered
	// writers do not roll back failed appends; the caller discards the
	// whole file instead.
	BufferSize int
	// Wrap decorates the underlying file writer (e.g. with a rate limiter).
	Wrap func(io.Writer) io.Writer
	// Exclusive fails Create if the file already exists.
	Exclusive bool
}

// Writer appends records to a single segment file.
// Append is not safe for concurrent use; ReadAt is.
type Writer struct {
	id   model.SegmentID
	path string
	fsys fs.FileSystem
	opts WriterOptions

	f   fs.File
	bw  *bufio.Writer
	out io.Writer

	size   int64
	buf    []byte
	broken bool

	closeOnce sync.Once
	closeErr  error
}

// Create opens a new, empty segment file at path.
func Create(fsys fs.FileSystem, path string, id model.SegmentID, opts WriterOptions) (*Writer, error) {
	flag := os.O_CREATE | os.O_RDWR | os.O_APPEND | os.O_TRUNC
	if opts.Exclusive {
		flag = os.O_CREATE | os.O_RDWR | os.O_APPEND | os.O_EXCL
	}
	f, err := fsys.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}

	w := &Writer{id: id, path: path, fsys: fsys, opts: opts, f: f}
	var out io.Writer = f
	if opts.Wrap != nil {
		out = opts.Wrap(out)
	}
	if opts.BufferSize > 0 {
		w.bw = bufio.NewWriterSize(out, opts.BufferSize)
		out = w.bw
	}
	w.out = out
	return w, nil
}

// ID returns the segment id.
func (w *Writer) ID() model.SegmentID { return w.id }

// Path returns the file path.
func (w *Writer) Path() string { return w.path }

// Size returns the number of bytes appended so far.
func (w *Writer) Size() int64 { return w.size }

// Broken reports whether a failed append left unknown bytes in the file.
func (w *Writer) Broken() bool { return w.broken }

// Append encodes rec, writes it with a single write call and returns its location.
// On failure the file is truncated back to its previous size so the
// failed record leaves no trace.
func (w *Writer) Append(rec *record.Record) (model.Location, error) {
	if w.broken {
		return model.Location{}, ErrBroken
	}
	w.buf = rec.AppendTo(w.buf[:0])
	return w.write(w.buf)
}

// AppendEncoded writes an already encoded record.
func (w *Writer) AppendEncoded(b []byte) (model.Location, error) {
	if w.broken {
		return model.Location{}, ErrBroken
	}
	return w.write(b)
}

func (w *Writer) write(b []byte) (model.Location, error) {
	_, err := w.out.Write(b)
	if err == nil && w.opts.SyncWrites {
		err = w.Sync()
	}
	if err != nil {
		w.rollback()
		return model.Location{}, err
	}

	loc := model.Location{SegmentID: w.id, Offset: uint64(w.size), Length: uint32(len(b))}
	w.size += int64(len(b))
	return loc, nil
}

func (w *Writer) rollback() {
	if w.bw != nil {
		// Buffered output is discarded as a whole by the caller.
		w.broken = true
		return
	}
	if err := w.f.Truncate(w.size); err != nil {
		w.broken = true
	}
}

// Flush pushes buffered bytes to the file without syncing.
func (w *Writer) Flush() error {
	if w.bw == nil {
		return nil
	}
	return w.bw.Flush()
}

// Sync flushes buffered bytes and fsyncs the file.
func (w *Writer) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// ReadAt reads committed bytes of the segment.
func (w *Writer) ReadAt(p []byte, off int64) (int, error) {
	return w.f.ReadAt(p, off)
}

// Close flushes and closes the file. It does not sync; callers that need
// durability call Sync first. Close is idempotent.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		var err error
		if !w.broken {
			err = w.Flush()
		}
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			w.closeErr = fmt.Errorf("close segment %d: %w", w.id, err)
		}
	})
	return w.closeErr
}
