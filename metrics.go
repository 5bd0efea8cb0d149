package caskdb

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/hupe1980/caskdb/internal/engine"
)

// MetricsCollector receives operational events from the DB.
// Implement this interface to integrate with monitoring systems like Prometheus.
// Implementations must be safe for concurrent use and must not block.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    caskdb.NoopMetricsCollector
//	    puts prometheus.Counter
//	}
//
//	func (p *PrometheusCollector) OnPut(d time.Duration, bytes int, err error) {
//	    p.puts.Inc()
//	}
type MetricsCollector = engine.MetricsObserver

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector = engine.NoopMetricsObserver

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	PutCount        atomic.Int64
	PutErrors       atomic.Int64
	PutBytes        atomic.Int64
	PutTotalNanos   atomic.Int64
	GetCount        atomic.Int64
	GetMisses       atomic.Int64
	GetErrors       atomic.Int64
	GetTotalNanos   atomic.Int64
	DeleteCount     atomic.Int64
	DeleteErrors    atomic.Int64
	RotationCount   atomic.Int64
	SealedBytes     atomic.Int64
	MergeCount      atomic.Int64
	MergeErrors     atomic.Int64
	BytesReclaimed  atomic.Int64
	RecoveredKeys   atomic.Int64
	RecoveryRepairs atomic.Int64
}

// OnPut implements MetricsCollector.
func (b *BasicMetricsCollector) OnPut(duration time.Duration, bytes int, err error) {
	b.PutCount.Add(1)
	b.PutTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.PutErrors.Add(1)
		return
	}
	b.PutBytes.Add(int64(bytes))
}

// OnGet implements MetricsCollector.
func (b *BasicMetricsCollector) OnGet(duration time.Duration, found bool, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	switch {
	case errors.Is(err, ErrNotFound):
		b.GetMisses.Add(1)
	case err != nil:
		b.GetErrors.Add(1)
	case !found:
		b.GetMisses.Add(1)
	}
}

// OnDelete implements MetricsCollector.
func (b *BasicMetricsCollector) OnDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// OnRotate implements MetricsCollector.
func (b *BasicMetricsCollector) OnRotate(_ SegmentID, size int64) {
	b.RotationCount.Add(1)
	b.SealedBytes.Add(size)
}

// OnMerge implements MetricsCollector.
func (b *BasicMetricsCollector) OnMerge(report MergeReport, err error) {
	if err != nil {
		b.MergeErrors.Add(1)
		return
	}
	b.MergeCount.Add(1)
	b.BytesReclaimed.Add(report.BytesReclaimed)
}

// OnRecovery implements MetricsCollector.
func (b *BasicMetricsCollector) OnRecovery(report RecoveryReport) {
	b.RecoveredKeys.Store(int64(report.Keys))
	b.RecoveryRepairs.Store(int64(report.Truncations + report.CorruptRecords + report.DroppedEntries))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PutCount:        b.PutCount.Load(),
		PutErrors:       b.PutErrors.Load(),
		PutBytes:        b.PutBytes.Load(),
		PutAvgNanos:     avg(b.PutTotalNanos.Load(), b.PutCount.Load()),
		GetCount:        b.GetCount.Load(),
		GetMisses:       b.GetMisses.Load(),
		GetErrors:       b.GetErrors.Load(),
		GetAvgNanos:     avg(b.GetTotalNanos.Load(), b.GetCount.Load()),
		DeleteCount:     b.DeleteCount.Load(),
		DeleteErrors:    b.DeleteErrors.Load(),
		RotationCount:   b.RotationCount.Load(),
		SealedBytes:     b.SealedBytes.Load(),
		MergeCount:      b.MergeCount.Load(),
		MergeErrors:     b.MergeErrors.Load(),
		BytesReclaimed:  b.BytesReclaimed.Load(),
		RecoveredKeys:   b.RecoveredKeys.Load(),
		RecoveryRepairs: b.RecoveryRepairs.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PutCount        int64
	PutErrors       int64
	PutBytes        int64
	PutAvgNanos     int64
	GetCount        int64
	GetMisses       int64
	GetErrors       int64
	GetAvgNanos     int64
	DeleteCount     int64
	DeleteErrors    int64
	RotationCount   int64
	SealedBytes     int64
	MergeCount      int64
	MergeErrors     int64
	BytesReclaimed  int64
	RecoveredKeys   int64
	RecoveryRepairs int64
}
