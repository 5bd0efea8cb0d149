package caskdb

import (
	"context"
	"iter"

	"github.com/hupe1980/caskdb/internal/engine"
	"github.com/hupe1980/caskdb/internal/hint"
	"github.com/hupe1980/caskdb/internal/model"
)

type (
	// SegmentID identifies a data segment. Ids grow monotonically.
	SegmentID = model.SegmentID

	// KeyValue is one pair produced by Scan.
	KeyValue = engine.KeyValue

	// Stats is a point-in-time summary of the store.
	Stats = engine.Stats

	// SegmentStats describes the usage of one segment.
	SegmentStats = engine.SegmentStats

	// MergeReport summarizes one merge.
	MergeReport = engine.MergeReport

	// RecoveryReport summarizes what Open found on disk.
	RecoveryReport = engine.RecoveryReport

	// MergePolicy decides when the background loop merges.
	MergePolicy = engine.MergePolicy

	// MergePolicyFunc adapts a function to MergePolicy.
	MergePolicyFunc = engine.MergePolicyFunc

	// DeadRatioPolicy merges once enough sealed bytes are dead.
	DeadRatioPolicy = engine.DeadRatioPolicy

	// HintCodec selects the compression of hint files.
	HintCodec = hint.Codec
)

const (
	HintCodecNone = hint.CodecNone
	HintCodecLZ4  = hint.CodecLZ4
	HintCodecZstd = hint.CodecZstd
)

// DB is an embedded log-structured key-value store.
//
// All methods are safe for concurrent use. Writes are serialized, reads
// proceed in parallel with writes and merges.
type DB struct {
	engine *engine.Engine
	logger *Logger
}

// Open opens the store in dir, creating the directory if needed, and
// rebuilds the index from hint files and segments.
//
// Only one DB may have a directory open at a time; a second Open fails with
// ErrLocked.
func Open(dir string, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)
	logger := o.logger.WithDir(dir)

	opts := append([]engine.Option{
		engine.WithLogger(logger.Logger),
		engine.WithMetricsObserver(o.metrics),
	}, o.engine...)

	e, err := engine.Open(dir, opts...)
	if err != nil {
		logger.LogRecovery(context.Background(), RecoveryReport{}, err)
		return nil, translateError(err)
	}
	logger.LogRecovery(context.Background(), e.RecoveryReport(), nil)

	return &DB{engine: e, logger: logger}, nil
}

// Put stores value under key. A nil value is stored as an empty value.
func (db *DB) Put(key, value []byte) error {
	err := db.engine.Put(key, value)
	db.logger.LogPut(context.Background(), key, len(value), err)
	return translateError(err)
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	v, err := db.engine.Get(key)
	if err != nil {
		return nil, translateError(err)
	}
	return v, nil
}

// Has reports whether key has a live value.
func (db *DB) Has(key []byte) bool {
	return db.engine.Has(key)
}

// Delete removes key. Deleting an absent key is a no-op.
func (db *DB) Delete(key []byte) error {
	err := db.engine.Delete(key)
	db.logger.LogDelete(context.Background(), key, err)
	return translateError(err)
}

// Merge rewrites the live records of segments holding dead data into new
// segments and removes the originals. Concurrent calls share one run.
func (db *DB) Merge(ctx context.Context) (MergeReport, error) {
	rep, err := db.engine.Merge(ctx)
	db.logger.LogMerge(ctx, rep, err)
	return rep, translateError(err)
}

// Keys returns all live keys in unspecified order. It returns nil once the
// DB is closed.
func (db *DB) Keys() [][]byte {
	keys, err := db.engine.Keys()
	if err != nil {
		return nil
	}
	return keys
}

// Scan iterates over every live pair.
//
// Example:
//
//	for kv, err := range db.Scan(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Printf("%s=%s\n", kv.Key, kv.Value)
//	}
func (db *DB) Scan(ctx context.Context) iter.Seq2[KeyValue, error] {
	return func(yield func(KeyValue, error) bool) {
		for kv, err := range db.engine.Scan(ctx) {
			if !yield(kv, translateError(err)) {
				return
			}
		}
	}
}

// Sync flushes the active segment to stable storage.
func (db *DB) Sync() error {
	return translateError(db.engine.Sync())
}

// Stats returns current statistics.
func (db *DB) Stats() Stats {
	return db.engine.Stats()
}

// SegmentStats returns the usage of every segment in ascending id order.
func (db *DB) SegmentStats() []SegmentStats {
	return db.engine.SegmentStats()
}

// RecoveryReport returns what Open found on disk.
func (db *DB) RecoveryReport() RecoveryReport {
	return db.engine.RecoveryReport()
}

// Dir returns the store directory.
func (db *DB) Dir() string {
	return db.engine.Dir()
}

// Close stops background merging, syncs the active segment and releases
// the directory lock. Calling Close twice returns ErrClosed.
func (db *DB) Close() error {
	return translateError(db.engine.Close())
}
