package caskdb

import (
	"errors"
	"fmt"

	"github.com/hupe1980/caskdb/internal/engine"
)

var (
	// ErrNotFound is returned by Get when the key has no live value.
	ErrNotFound = engine.ErrNotFound

	// ErrCorrupt is returned when stored data fails verification.
	ErrCorrupt = engine.ErrCorrupt

	// ErrIO is returned when the underlying storage fails.
	ErrIO = engine.ErrIO

	// ErrTruncated marks a discarded partial tail. It only appears in logs.
	ErrTruncated = engine.ErrTruncated

	// ErrClosed is returned when the DB has been closed.
	ErrClosed = engine.ErrClosed

	// ErrLocked is returned by Open when the directory is in use.
	ErrLocked = engine.ErrLocked

	// ErrInvalidArgument is returned for invalid options.
	ErrInvalidArgument = engine.ErrInvalidArgument

	ErrEmptyKey      = engine.ErrEmptyKey
	ErrKeyTooLarge   = engine.ErrKeyTooLarge
	ErrValueTooLarge = engine.ErrValueTooLarge
)

// CorruptionError locates a corrupt record. It matches ErrCorrupt.
type CorruptionError = engine.CorruptionError

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Closed and lock errors surface unchanged.
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrLocked) {
		return err
	}

	// Argument normalization.
	if errors.Is(err, ErrEmptyKey) || errors.Is(err, ErrKeyTooLarge) || errors.Is(err, ErrValueTooLarge) {
		if !errors.Is(err, ErrInvalidArgument) {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}

	return err
}
