package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/caskdb/internal/cache"
	"github.com/hupe1980/caskdb/internal/fs"
	"github.com/hupe1980/caskdb/internal/hint"
	"github.com/hupe1980/caskdb/internal/keydir"
	"github.com/hupe1980/caskdb/internal/model"
	"github.com/hupe1980/caskdb/internal/resource"
	"github.com/hupe1980/caskdb/internal/segment"
)

// Engine is a Bitcask-style log-structured key-value store.
//
// Writes are appended to a single active segment under a mutex. Reads go
// through the sharded keydir and a copy-on-write set of reference-counted
// segment handles, so they never block on writes or merges.
type Engine struct {
	dir     string
	fs      fs.FileSystem
	logger  *slog.Logger
	metrics MetricsObserver

	segmentSize    int64
	syncWrites     bool
	eagerHints     bool
	useMmap        bool
	hintCodec      hint.Codec
	indexShards    int
	valueCacheSize int64
	mergeIOLimit   int64
	memoryLimit    int64
	policy         MergePolicy
	mergeInterval  time.Duration
	rc             *resource.Controller

	lock   *fs.Lock
	keydir *keydir.Keydir
	usage  *usage
	cache  cache.ValueCache

	setMu    sync.Mutex
	segments atomic.Pointer[segmentSet]
	nextID   atomic.Uint64

	writeMu      sync.Mutex
	active       *segment.Writer
	activeHandle *segment.Handle
	activeHint   *hint.Writer
	clock        uint64
	needRotate   bool

	mergeMu    sync.Mutex
	mergeGroup singleflight.Group

	merges         atomic.Int64
	bytesReclaimed atomic.Int64
	corruptReads   atomic.Int64

	recovery RecoveryReport

	ctx     context.Context
	cancel  context.CancelFunc
	mergeCh chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// KeyValue is one pair produced by Scan.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Keys           int
	Segments       int
	ActiveSegment  model.SegmentID
	DiskBytes      int64
	LiveBytes      int64
	DeadBytes      int64
	Merges         int64
	BytesReclaimed int64
	CorruptReads   int64
	CacheHits      int64
	CacheMisses    int64
}

// Open opens or creates the store in dir and recovers its index.
func Open(dir string, opts ...Option) (*Engine, error) {
	e := defaultEngine(dir)
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.metrics == nil {
		e.metrics = NoopMetricsObserver{}
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	if e.rc == nil && (e.mergeIOLimit > 0 || e.memoryLimit > 0) {
		e.rc = resource.NewController(resource.Config{
			MemoryLimitBytes:   e.memoryLimit,
			IOLimitBytesPerSec: e.mergeIOLimit,
		})
	}

	e.keydir = keydir.New(e.indexShards)
	e.usage = newUsage()
	if e.valueCacheSize > 0 {
		e.cache = cache.NewShardedLRU(e.valueCacheSize, e.rc)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if err := e.recover(); err != nil {
		e.cancel()
		e.releaseAll()
		return nil, err
	}

	e.metrics.OnRecovery(e.recovery)

	if e.policy != nil && e.mergeInterval > 0 {
		e.wg.Add(1)
		GoSafe(e.logger, e.runMergeLoop)
	}

	return e, nil
}

// releaseAll drops every handle reference and the directory lock.
func (e *Engine) releaseAll() {
	if set := e.segments.Load(); set != nil {
		for _, h := range set.handles {
			h.DecRef()
		}
	}
	if e.lock != nil {
		if err := e.lock.Release(); err != nil {
			e.logger.Warn("Failed to release directory lock", "error", err)
		}
		e.lock = nil
	}
}

// Dir returns the store directory.
func (e *Engine) Dir() string { return e.dir }

// RecoveryReport returns the report of the recovery performed by Open.
func (e *Engine) RecoveryReport() RecoveryReport { return e.recovery }

// Has reports whether key has a live value.
func (e *Engine) Has(key []byte) bool {
	if e.closed.Load() {
		return false
	}
	_, ok := e.keydir.Get(key)
	return ok
}

// Keys returns a copy of all live keys in unspecified order.
func (e *Engine) Keys() ([][]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.keydir.Keys(), nil
}

// Scan yields every live pair. The key set is captured when iteration
// starts; keys deleted afterwards are skipped and keys added afterwards are
// not visited. Values reflect the state at the time each key is read.
func (e *Engine) Scan(ctx context.Context) iter.Seq2[KeyValue, error] {
	return func(yield func(KeyValue, error) bool) {
		keys, err := e.Keys()
		if err != nil {
			yield(KeyValue{}, err)
			return
		}
		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				yield(KeyValue{}, err)
				return
			}
			v, err := e.Get(k)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if !yield(KeyValue{Key: k, Value: v}, err) {
				return
			}
		}
	}
}

// Sync fsyncs the active segment.
func (e *Engine) Sync() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.active.Sync(); err != nil {
		return fmt.Errorf("%w: sync segment %d: %w", ErrIO, e.active.ID(), err)
	}
	return nil
}

// Stats returns current statistics.
func (e *Engine) Stats() Stats {
	set := e.segments.Load()
	st := Stats{
		Keys:           e.keydir.Len(),
		Merges:         e.merges.Load(),
		BytesReclaimed: e.bytesReclaimed.Load(),
		CorruptReads:   e.corruptReads.Load(),
	}
	if set != nil {
		st.Segments = len(set.ids)
		st.ActiveSegment = set.active
	}
	for _, s := range e.usage.snapshot() {
		st.DiskBytes += s.Size
		st.LiveBytes += s.Live
	}
	st.DeadBytes = st.DiskBytes - st.LiveBytes
	if e.cache != nil {
		st.CacheHits, st.CacheMisses = e.cache.Stats()
	}
	return st
}

// SegmentStats returns the usage of every segment in ascending id order.
func (e *Engine) SegmentStats() []SegmentStats {
	return e.usage.snapshot()
}

// Close stops background work, syncs the active segment and releases the
// directory. Reads that hold a segment handle finish before its file is
// closed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	e.cancel()
	close(e.closeCh)
	e.wg.Wait()

	// Wait for a merge started by a caller.
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var errs []error
	if err := e.active.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("%w: sync segment %d: %w", ErrIO, e.active.ID(), err))
	}

	empty := e.active.Size() == 0
	if !empty && e.eagerHints && !e.active.Broken() && e.activeHint.Len() > 0 {
		if err := hint.Write(e.fs, segment.HintPath(e.dir, e.active.ID()), e.activeHint); err != nil {
			e.logger.Warn("Failed to write hint file", "segment", e.active.ID(), "error", err)
		}
	}

	// The active handle closes the writer once readers are done; an empty
	// segment is removed after that so the next Open does not see it.
	if empty {
		path := e.active.Path()
		e.activeHandle.SetOnClose(func() {
			if err := e.fs.Remove(path); err != nil {
				e.logger.Warn("Failed to remove empty segment", "path", path, "error", err)
			}
		})
	}

	set := e.segments.Load()
	for _, h := range set.handles {
		h.DecRef()
	}

	if e.lock != nil {
		if err := e.lock.Release(); err != nil {
			errs = append(errs, err)
		}
		e.lock = nil
	}

	e.logger.Info("Engine closed", "dir", e.dir)
	return errors.Join(errs...)
}

func (e *Engine) runMergeLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.mergeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
		case <-e.mergeCh:
		}
		e.checkMerge()
	}
}

func (e *Engine) checkMerge() {
	if !e.policy.ShouldMerge(e.usage.snapshot()) {
		return
	}
	if _, err := e.Merge(e.ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
		e.logger.Error("Background merge failed", "error", err)
	}
}

// signalMerge asks the background loop to consult the policy.
func (e *Engine) signalMerge() {
	if e.policy == nil {
		return
	}
	select {
	case e.mergeCh <- struct{}{}:
	default:
	}
}
