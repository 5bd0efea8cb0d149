package segment

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/caskdb/internal/record"
)

// ErrTruncated marks the end of the valid prefix of a segment: no valid
// record starts at or after Scanner.Offset. When the segment is the one
// last written this is a torn final write.
var ErrTruncated = errors.New("segment: truncated tail")

// resyncWindow is how many candidate offsets are read per pass while
// searching for the next valid record after a damaged one.
const resyncWindow = 64 << 10

// CorruptRecordError reports a damaged region followed by at least one
// valid record. The scanner has already skipped to that record.
type CorruptRecordError struct {
	Offset int64
	Size   int
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("segment: corrupt record at offset %d (%d bytes)", e.Offset, e.Size)
}

// Item is one record produced by a Scanner.
// Record.Key and Record.Value are only valid until the next call to Next.
type Item struct {
	Offset int64
	Size   int
	Record *record.Record
}

// Scanner iterates the records of a segment in file order.
//
// Next returns io.EOF at a clean end and ErrTruncated when nothing valid
// remains. A damaged record (bad header, impossible size or checksum
// mismatch) that is followed by a valid record yields *CorruptRecordError
// and scanning resumes at that record. ErrTruncated is sticky.
type Scanner struct {
	sec  *io.SectionReader
	r    *bufio.Reader
	size int64
	off  int64
	buf  []byte
	done bool
}

// NewScanner scans the first size bytes of r.
func NewScanner(r io.ReaderAt, size int64) *Scanner {
	sec := io.NewSectionReader(r, 0, size)
	return &Scanner{
		sec:  sec,
		r:    bufio.NewReaderSize(sec, 256*1024),
		size: size,
	}
}

// Offset returns the end of the last record consumed. After ErrTruncated
// it is the length of the valid prefix.
func (s *Scanner) Offset() int64 { return s.off }

// Next returns the next record.
func (s *Scanner) Next() (Item, error) {
	if s.done {
		return Item{}, ErrTruncated
	}
	remaining := s.size - s.off
	if remaining == 0 {
		return Item{}, io.EOF
	}
	if remaining < record.HeaderSize {
		s.done = true
		return Item{}, ErrTruncated
	}

	if cap(s.buf) < record.HeaderSize {
		s.buf = make([]byte, record.HeaderSize, 4096)
	}
	hdr := s.buf[:record.HeaderSize]
	if _, err := io.ReadFull(s.r, hdr); err != nil {
		return Item{}, err
	}
	h, err := record.DecodeHeader(hdr)
	if err != nil || int64(h.Size()) > remaining {
		return s.skipDamaged()
	}
	size := h.Size()

	if cap(s.buf) < size {
		nb := make([]byte, size)
		copy(nb, hdr)
		s.buf = nb
	}
	s.buf = s.buf[:size]
	if _, err := io.ReadFull(s.r, s.buf[record.HeaderSize:]); err != nil {
		return Item{}, err
	}

	rec, err := record.Decode(s.buf)
	if err != nil {
		return s.skipDamaged()
	}

	item := Item{Offset: s.off, Size: size, Record: rec}
	s.off += int64(size)
	return item, nil
}

// skipDamaged resumes at the next valid record after s.off, or reports
// ErrTruncated when there is none.
func (s *Scanner) skipDamaged() (Item, error) {
	next, ok, err := s.resync(s.off + 1)
	if err != nil {
		return Item{}, err
	}
	if !ok {
		s.done = true
		return Item{}, ErrTruncated
	}
	at := s.off
	s.off = next
	s.r.Reset(io.NewSectionReader(s.sec, next, s.size-next))
	return Item{}, &CorruptRecordError{Offset: at, Size: int(next - at)}
}

// resync returns the first offset at or after from holding a record whose
// header is plausible, fits the segment and passes its checksum.
func (s *Scanner) resync(from int64) (int64, bool, error) {
	win := make([]byte, resyncWindow+record.HeaderSize)
	for p := from; s.size-p >= record.HeaderSize; p += resyncWindow {
		n, err := s.sec.ReadAt(win, p)
		if err != nil && err != io.EOF {
			return 0, false, err
		}
		for i := 0; i < resyncWindow && i+record.HeaderSize <= n; i++ {
			at := p + int64(i)
			h, err := record.DecodeHeader(win[i : i+record.HeaderSize])
			if err != nil || int64(h.Size()) > s.size-at {
				continue
			}
			ok, err := s.validAt(at, h.Size())
			if err != nil {
				return 0, false, err
			}
			if ok {
				return at, true, nil
			}
		}
	}
	return 0, false, nil
}

func (s *Scanner) validAt(off int64, size int) (bool, error) {
	if cap(s.buf) < size {
		s.buf = make([]byte, size)
	}
	b := s.buf[:size]
	if _, err := s.sec.ReadAt(b, off); err != nil && err != io.EOF {
		return false, err
	}
	_, err := record.Decode(b)
	return err == nil, nil
}
