package engine

import (
	"errors"
	"fmt"

	"github.com/hupe1980/caskdb/internal/fs"
	"github.com/hupe1980/caskdb/internal/model"
	"github.com/hupe1980/caskdb/internal/record"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrInvalidArgument is returned when an option or argument is invalid.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned by Get when the key has no live value.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt is returned when a record or hint fails its checksum or
	// does not match the index entry pointing at it.
	ErrCorrupt = errors.New("data corruption detected")

	// ErrIO is returned when the underlying storage fails a read, write or sync.
	ErrIO = errors.New("i/o failure")

	// ErrTruncated describes a partial final record discarded by recovery.
	// It is informational and only appears in logs and reports.
	ErrTruncated = errors.New("truncated log tail")

	// ErrLocked is returned by Open when another process holds the directory.
	ErrLocked = fs.ErrLocked

	ErrEmptyKey      = record.ErrEmptyKey
	ErrKeyTooLarge   = record.ErrKeyTooLarge
	ErrValueTooLarge = record.ErrValueTooLarge
)

// CorruptionError locates a corrupt record.
type CorruptionError struct {
	SegmentID model.SegmentID
	Offset    uint64
	Err       error
}

func (e *CorruptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("corrupt record in segment %d at offset %d", e.SegmentID, e.Offset)
	}
	return fmt.Sprintf("corrupt record in segment %d at offset %d: %v", e.SegmentID, e.Offset, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Is reports ErrCorrupt as a match.
func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupt }
