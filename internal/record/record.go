package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

const (
	// HeaderSize is the fixed prefix of every record:
	// [CRC32: 4 bytes] [Timestamp: 8 bytes] [KeySize: 4 bytes] [ValueSize: 4 bytes]
	HeaderSize = 20

	// TombstoneSize is the reserved ValueSize marking a deletion.
	TombstoneSize = math.MaxUint32

	// MaxKeySize is the largest accepted key.
	MaxKeySize = math.MaxUint16

	// MaxValueSize is the largest accepted value (64MB).
	MaxValueSize = 64 << 20
)

var (
	// ErrInvalidCRC is returned when a record's checksum does not match its body.
	ErrInvalidCRC = errors.New("invalid record checksum")
	// ErrShortRead is returned when fewer bytes than the header announces are available.
	ErrShortRead = errors.New("short read in record")
	// ErrRecordTooLarge is returned when header sizes exceed the format limits.
	ErrRecordTooLarge = errors.New("record too large")

	ErrEmptyKey      = errors.New("key should not be empty")
	ErrKeyTooLarge   = errors.New("key exceeds maximum size")
	ErrValueTooLarge = errors.New("value exceeds maximum size")
)

// crc32cTable is pre-computed for CRC32-Castagnoli polynomial.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32-Castagnoli checksum of data.
// Uses hardware acceleration when available (SSE4.2, ARM CRC).
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Record is one log entry: a key with either a value or a tombstone.
type Record struct {
	Timestamp uint64
	Key       []byte
	Value     []byte
	Deleted   bool
}

// Size returns the encoded size of the record in bytes.
func (r *Record) Size() int {
	if r.Deleted {
		return HeaderSize + len(r.Key)
	}
	return HeaderSize + len(r.Key) + len(r.Value)
}

// AppendTo encodes the record onto dst and returns the extended slice.
func (r *Record) AppendTo(dst []byte) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	hdr := dst[start:]

	binary.LittleEndian.PutUint64(hdr[4:], r.Timestamp)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(r.Key)))
	if r.Deleted {
		binary.LittleEndian.PutUint32(hdr[16:], TombstoneSize)
	} else {
		binary.LittleEndian.PutUint32(hdr[16:], uint32(len(r.Value)))
	}

	dst = append(dst, r.Key...)
	if !r.Deleted {
		dst = append(dst, r.Value...)
	}

	binary.LittleEndian.PutUint32(dst[start:], Checksum(dst[start+4:]))
	return dst
}

// Encode returns the wire encoding of the record.
func (r *Record) Encode() []byte {
	return r.AppendTo(make([]byte, 0, r.Size()))
}

// Header is the decoded fixed prefix of a record.
type Header struct {
	Checksum  uint32
	Timestamp uint64
	KeySize   uint32
	ValueSize uint32
}

// Deleted reports whether the header marks a tombstone.
func (h Header) Deleted() bool {
	return h.ValueSize == TombstoneSize
}

// PayloadSize returns the number of value bytes following the key.
func (h Header) PayloadSize() int {
	if h.Deleted() {
		return 0
	}
	return int(h.ValueSize)
}

// Size returns the full encoded size announced by the header.
func (h Header) Size() int {
	return HeaderSize + int(h.KeySize) + h.PayloadSize()
}

// DecodeHeader parses the fixed prefix of a record.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortRead
	}
	h := Header{
		Checksum:  binary.LittleEndian.Uint32(b[0:]),
		Timestamp: binary.LittleEndian.Uint64(b[4:]),
		KeySize:   binary.LittleEndian.Uint32(b[12:]),
		ValueSize: binary.LittleEndian.Uint32(b[16:]),
	}
	if h.KeySize == 0 || h.KeySize > MaxKeySize {
		return h, fmt.Errorf("%w: key size %d", ErrRecordTooLarge, h.KeySize)
	}
	if !h.Deleted() && h.ValueSize > MaxValueSize {
		return h, fmt.Errorf("%w: value size %d", ErrRecordTooLarge, h.ValueSize)
	}
	return h, nil
}

// Decode parses and verifies a complete record held in b.
// The returned Key and Value alias b.
func Decode(b []byte) (*Record, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	size := h.Size()
	if len(b) < size {
		return nil, ErrShortRead
	}
	if Checksum(b[4:size]) != h.Checksum {
		return nil, ErrInvalidCRC
	}

	keyEnd := HeaderSize + int(h.KeySize)
	rec := &Record{
		Timestamp: h.Timestamp,
		Key:       b[HeaderSize:keyEnd],
		Deleted:   h.Deleted(),
	}
	if !rec.Deleted {
		rec.Value = b[keyEnd:size]
	}
	return rec, nil
}

// ValidateKey checks the key against the format limits.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	return nil
}

// ValidateValue checks the value against the format limits.
func ValidateValue(value []byte) error {
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}
	return nil
}
