package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hupe1980/caskdb/internal/fs"
	"github.com/hupe1980/caskdb/internal/hint"
	"github.com/hupe1980/caskdb/internal/keydir"
	"github.com/hupe1980/caskdb/internal/resource"
)

const (
	// DefaultSegmentSize is the active segment size that triggers rotation.
	DefaultSegmentSize = 64 << 20

	// DefaultMergeInterval is how often the background loop consults the
	// merge policy when auto merge is enabled.
	DefaultMergeInterval = time.Minute
)

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithSegmentSize sets the size at which the active segment is sealed.
func WithSegmentSize(bytes int64) Option {
	return func(e *Engine) {
		e.segmentSize = bytes
	}
}

// WithSyncWrites controls whether every Put and Delete is fsynced before
// returning. Enabled by default.
func WithSyncWrites(enabled bool) Option {
	return func(e *Engine) {
		e.syncWrites = enabled
	}
}

// WithFileSystem sets the filesystem used for all file operations.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(e *Engine) {
		if fsys != nil {
			e.fs = fsys
		}
	}
}

// WithLogger sets the logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetricsObserver sets the metrics observer for the engine.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(e *Engine) {
		e.metrics = observer
	}
}

// WithMergePolicy enables automatic merging driven by policy.
func WithMergePolicy(policy MergePolicy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithAutoMerge enables automatic merging once the dead fraction of sealed
// bytes reaches ratio and at least minDeadBytes can be reclaimed.
func WithAutoMerge(ratio float64, minDeadBytes int64) Option {
	return func(e *Engine) {
		e.policy = &DeadRatioPolicy{Ratio: ratio, MinDeadBytes: minDeadBytes}
	}
}

// WithMergeInterval sets how often the merge policy is evaluated.
// Rotations also trigger an evaluation.
func WithMergeInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.mergeInterval = d
	}
}

// WithHintCodec sets the compression codec for hint files.
func WithHintCodec(codec hint.Codec) Option {
	return func(e *Engine) {
		e.hintCodec = codec
	}
}

// WithEagerHints controls whether hint files are written when a segment is
// sealed. Enabled by default.
func WithEagerHints(enabled bool) Option {
	return func(e *Engine) {
		e.eagerHints = enabled
	}
}

// WithMmap controls whether sealed segments are memory-mapped. Enabled by default.
func WithMmap(enabled bool) Option {
	return func(e *Engine) {
		e.useMmap = enabled
	}
}

// WithIndexShards sets the number of keydir shards (rounded up to a power of two).
func WithIndexShards(n int) Option {
	return func(e *Engine) {
		e.indexShards = n
	}
}

// WithValueCacheSize enables an LRU cache of values read from sealed
// segments, bounded to bytes. 0 disables the cache.
func WithValueCacheSize(bytes int64) Option {
	return func(e *Engine) {
		e.valueCacheSize = bytes
	}
}

// WithMergeIOLimit caps merge write throughput in bytes per second.
func WithMergeIOLimit(bytesPerSec int64) Option {
	return func(e *Engine) {
		e.mergeIOLimit = bytesPerSec
	}
}

// WithMemoryLimit caps the memory charged by the value cache.
// If set to 0, memory is unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(e *Engine) {
		e.memoryLimit = bytes
	}
}

// WithResourceController sets the resource controller for the engine.
// It takes precedence over WithMergeIOLimit and WithMemoryLimit.
func WithResourceController(rc *resource.Controller) Option {
	return func(e *Engine) {
		e.rc = rc
	}
}

func (e *Engine) validate() error {
	if e.segmentSize <= 0 {
		return fmt.Errorf("%w: segment size must be positive, got %d", ErrInvalidArgument, e.segmentSize)
	}
	if !e.hintCodec.Valid() {
		return fmt.Errorf("%w: unknown hint codec %d", ErrInvalidArgument, e.hintCodec)
	}
	if e.indexShards < 0 || e.indexShards > 1<<16 {
		return fmt.Errorf("%w: index shards must be in [0, 65536], got %d", ErrInvalidArgument, e.indexShards)
	}
	if e.valueCacheSize < 0 || e.mergeIOLimit < 0 || e.memoryLimit < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidArgument)
	}
	if e.mergeInterval < 0 {
		return fmt.Errorf("%w: merge interval must not be negative", ErrInvalidArgument)
	}
	if p, ok := e.policy.(*DeadRatioPolicy); ok && (p.Ratio <= 0 || p.Ratio > 1) {
		return fmt.Errorf("%w: dead ratio must be in (0, 1], got %v", ErrInvalidArgument, p.Ratio)
	}
	return nil
}

func defaultEngine(dir string) *Engine {
	return &Engine{
		dir:           dir,
		fs:            fs.Default,
		logger:        slog.New(slog.DiscardHandler),
		metrics:       NoopMetricsObserver{},
		segmentSize:   DefaultSegmentSize,
		syncWrites:    true,
		eagerHints:    true,
		hintCodec:     hint.CodecLZ4,
		useMmap:       true,
		indexShards:   keydir.DefaultShards,
		mergeInterval: DefaultMergeInterval,
		mergeCh:       make(chan struct{}, 1),
		closeCh:       make(chan struct{}),
	}
}
