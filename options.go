package caskdb

import (
	"log/slog"
	"time"

	"github.com/hupe1980/caskdb/internal/engine"
	"github.com/hupe1980/caskdb/internal/fs"
)

type options struct {
	logger  *Logger
	metrics MetricsCollector
	engine  []engine.Option
}

// Option configures Open.
type Option func(*options)

// WithSegmentSize sets the size at which the active segment is sealed and a
// new one is started. Defaults to 64 MiB.
func WithSegmentSize(bytes int64) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithSegmentSize(bytes))
	}
}

// WithSyncWrites controls whether each Put and Delete is fsynced before it
// returns. Enabled by default. When disabled, call Sync to make writes durable.
func WithSyncWrites(enabled bool) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithSyncWrites(enabled))
	}
}

// WithAutoMerge enables background merging once the dead fraction of sealed
// segment bytes reaches ratio and at least minDeadBytes can be reclaimed.
//
// Example:
//
//	db, _ := caskdb.Open("./data",
//	    caskdb.WithAutoMerge(0.5, 64<<20),
//	    caskdb.WithMergeInterval(30*time.Second),
//	)
func WithAutoMerge(ratio float64, minDeadBytes int64) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithAutoMerge(ratio, minDeadBytes))
	}
}

// WithMergePolicy enables background merging driven by a custom policy.
func WithMergePolicy(policy MergePolicy) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithMergePolicy(policy))
	}
}

// WithMergeInterval sets how often the merge policy is consulted.
func WithMergeInterval(d time.Duration) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithMergeInterval(d))
	}
}

// WithMergeIOLimit caps the write throughput of merges in bytes per second.
func WithMergeIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithMergeIOLimit(bytesPerSec))
	}
}

// WithHintCodec selects the compression of hint files.
func WithHintCodec(codec HintCodec) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithHintCodec(codec))
	}
}

// WithEagerHints controls whether hint files are written when segments are
// sealed. Enabled by default.
func WithEagerHints(enabled bool) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithEagerHints(enabled))
	}
}

// WithMmap controls whether sealed segments are memory-mapped.
func WithMmap(enabled bool) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithMmap(enabled))
	}
}

// WithIndexShards sets the number of in-memory index shards.
func WithIndexShards(n int) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithIndexShards(n))
	}
}

// WithValueCacheSize enables a cache of values read from sealed segments.
func WithValueCacheSize(bytes int64) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithValueCacheSize(bytes))
	}
}

// WithMemoryLimit caps the memory charged by the value cache.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithMemoryLimit(bytes))
	}
}

// WithFileSystem replaces the filesystem. Intended for tests.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithFileSystem(fsys))
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &caskdb.BasicMetricsCollector{}
//	db, _ := caskdb.Open("./data", caskdb.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Puts: %d, Avg latency: %dns\n", stats.PutCount, stats.PutAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := caskdb.NewJSONLogger(slog.LevelInfo)
//	db, _ := caskdb.Open("./data", caskdb.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metrics: NoopMetricsCollector{},
		logger:  NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsCollector{}
	}
	return o
}
