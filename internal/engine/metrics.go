package engine

import (
	"time"

	"github.com/hupe1980/caskdb/internal/model"
)

// MetricsObserver receives engine events. Implementations must be safe for
// concurrent use and must not block.
type MetricsObserver interface {
	// OnPut is called after each Put with the encoded record size.
	OnPut(duration time.Duration, bytes int, err error)

	// OnGet is called after each Get. found is false for ErrNotFound.
	OnGet(duration time.Duration, found bool, err error)

	// OnDelete is called after each Delete.
	OnDelete(duration time.Duration, err error)

	// OnRotate is called when the active segment is sealed.
	OnRotate(sealed model.SegmentID, size int64)

	// OnMerge is called when a merge completes or fails.
	OnMerge(report MergeReport, err error)

	// OnRecovery is called once Open has rebuilt the index.
	OnRecovery(report RecoveryReport)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnPut(time.Duration, int, error)  {}
func (NoopMetricsObserver) OnGet(time.Duration, bool, error) {}
func (NoopMetricsObserver) OnDelete(time.Duration, error)    {}
func (NoopMetricsObserver) OnRotate(model.SegmentID, int64)  {}
func (NoopMetricsObserver) OnMerge(MergeReport, error)       {}
func (NoopMetricsObserver) OnRecovery(RecoveryReport)        {}
