package hint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/hupe1980/caskdb/internal/fs"
	"github.com/hupe1980/caskdb/internal/record"
)

const (
	// Magic identifies a hint file.
	Magic = "CKHT"
	// Version is the current hint format version.
	Version uint16 = 1

	headerSize  = 8  // magic(4) + version(2) + codec(1) + reserved(1)
	trailerSize = 12 // count(4) + bodyLen(4) + crc(4)
	// entryFixedSize is [Timestamp u64][KeySize u32][Offset u64][ValueSize u32].
	entryFixedSize = 24
)

// ErrCorrupt is returned when a hint file fails validation.
// Callers fall back to scanning the data file.
var ErrCorrupt = errors.New("hint: corrupt hint file")

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Entry summarizes one record of a data file.
type Entry struct {
	Timestamp uint64
	Key       []byte
	Offset    uint64
	// ValueSize is the record's value size field; record.TombstoneSize marks a deletion.
	ValueSize uint32
}

// Deleted reports whether the entry describes a tombstone.
func (e Entry) Deleted() bool {
	return e.ValueSize == record.TombstoneSize
}

// RecordSize returns the encoded size of the described record.
func (e Entry) RecordSize() uint32 {
	n := uint32(record.HeaderSize + len(e.Key))
	if !e.Deleted() {
		n += e.ValueSize
	}
	return n
}

// Writer accumulates entries for one data file.
// It is not safe for concurrent use.
type Writer struct {
	codec Codec
	body  []byte
	count uint32
}

// NewWriter returns an empty Writer using codec.
func NewWriter(codec Codec) *Writer {
	return &Writer{codec: codec}
}

// Add appends an entry. The key is copied.
func (w *Writer) Add(e Entry) {
	var fixed [entryFixedSize]byte
	binary.LittleEndian.PutUint64(fixed[0:], e.Timestamp)
	binary.LittleEndian.PutUint32(fixed[8:], uint32(len(e.Key)))
	binary.LittleEndian.PutUint64(fixed[12:], e.Offset)
	binary.LittleEndian.PutUint32(fixed[20:], e.ValueSize)
	w.body = append(w.body, fixed[:]...)
	w.body = append(w.body, e.Key...)
	w.count++
}

// Len returns the number of entries added.
func (w *Writer) Len() int {
	return int(w.count)
}

// Reset discards all entries.
func (w *Writer) Reset() {
	w.body = w.body[:0]
	w.count = 0
}

// Encode returns the complete hint file image.
func (w *Writer) Encode() ([]byte, error) {
	body := w.body
	if w.codec != CodecNone && len(body) > 0 {
		var err error
		if body, err = compressBlock(body, w.codec); err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, headerSize+len(body)+trailerSize)
	out = append(out, Magic...)
	out = binary.LittleEndian.AppendUint16(out, Version)
	out = append(out, byte(w.codec), 0)
	out = append(out, body...)
	out = binary.LittleEndian.AppendUint32(out, w.count)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = binary.LittleEndian.AppendUint32(out, crc32.Checksum(out, crcTable))
	return out, nil
}

// WriteTo writes the hint file image to dst.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	b, err := w.Encode()
	if err != nil {
		return 0, err
	}
	n, err := dst.Write(b)
	return int64(n), err
}

// Write atomically persists w at path (temp file, fsync, rename).
func Write(fsys fs.FileSystem, path string, w *Writer) error {
	b, err := w.Encode()
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(fsys, path, b)
}

// Read loads and validates the hint file at path.
func Read(fsys fs.FileSystem, path string) ([]Entry, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// Decode validates a hint file image and returns its entries.
// Returned keys alias internal buffers owned by the result.
func Decode(b []byte) ([]Entry, error) {
	if len(b) < headerSize+trailerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(b))
	}
	if string(b[:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(b[4:]); v != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	codec := Codec(b[6])
	if !codec.Valid() {
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, codec)
	}

	t := b[len(b)-trailerSize:]
	count := binary.LittleEndian.Uint32(t[0:])
	bodyLen := binary.LittleEndian.Uint32(t[4:])
	sum := binary.LittleEndian.Uint32(t[8:])

	if uint64(bodyLen) != uint64(len(b)-headerSize-trailerSize) {
		return nil, fmt.Errorf("%w: body length mismatch", ErrCorrupt)
	}
	if crc32.Checksum(b[:len(b)-4], crcTable) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	body := b[headerSize : headerSize+int(bodyLen)]
	if codec != CodecNone && len(body) > 0 {
		var err error
		if body, err = decompressBlock(body, codec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	entries := make([]Entry, 0, count)
	for len(body) > 0 {
		if len(body) < entryFixedSize {
			return nil, fmt.Errorf("%w: truncated entry", ErrCorrupt)
		}
		ksz := binary.LittleEndian.Uint32(body[8:])
		if ksz == 0 || ksz > record.MaxKeySize || uint64(len(body)-entryFixedSize) < uint64(ksz) {
			return nil, fmt.Errorf("%w: invalid key size %d", ErrCorrupt, ksz)
		}
		end := entryFixedSize + int(ksz)
		entries = append(entries, Entry{
			Timestamp: binary.LittleEndian.Uint64(body[0:]),
			Offset:    binary.LittleEndian.Uint64(body[12:]),
			ValueSize: binary.LittleEndian.Uint32(body[20:]),
			Key:       body[entryFixedSize:end:end],
		})
		body = body[end:]
	}
	if uint32(len(entries)) != count {
		return nil, fmt.Errorf("%w: expected %d entries, found %d", ErrCorrupt, count, len(entries))
	}
	return entries, nil
}
