package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeadRatioPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy DeadRatioPolicy
		stats  []SegmentStats
		want   bool
	}{
		{
			name:   "no segments",
			policy: DeadRatioPolicy{Ratio: 0.5},
			want:   false,
		},
		{
			name:   "all live",
			policy: DeadRatioPolicy{Ratio: 0.1},
			stats:  []SegmentStats{{ID: 1, Size: 100, Live: 100}},
			want:   false,
		},
		{
			name:   "ratio reached",
			policy: DeadRatioPolicy{Ratio: 0.5},
			stats:  []SegmentStats{{ID: 1, Size: 100, Live: 40}, {ID: 2, Size: 100, Live: 60}},
			want:   true,
		},
		{
			name:   "ratio not reached",
			policy: DeadRatioPolicy{Ratio: 0.5},
			stats:  []SegmentStats{{ID: 1, Size: 100, Live: 80}, {ID: 2, Size: 100, Live: 60}},
			want:   false,
		},
		{
			name:   "below min dead bytes",
			policy: DeadRatioPolicy{Ratio: 0.1, MinDeadBytes: 1000},
			stats:  []SegmentStats{{ID: 1, Size: 100, Live: 0}},
			want:   false,
		},
		{
			name:   "active segment ignored",
			policy: DeadRatioPolicy{Ratio: 0.5},
			stats:  []SegmentStats{{ID: 1, Size: 100, Live: 100}, {ID: 2, Size: 100, Live: 0, Active: true}},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.ShouldMerge(tt.stats))
		})
	}
}

func TestMergePolicyFunc(t *testing.T) {
	var seen int
	p := MergePolicyFunc(func(stats []SegmentStats) bool {
		seen = len(stats)
		return true
	})
	assert.True(t, p.ShouldMerge(make([]SegmentStats, 3)))
	assert.Equal(t, 3, seen)
}

func TestUsage(t *testing.T) {
	u := newUsage()
	u.setSize(2, 100)
	u.setSize(1, 50)
	u.retain(loc(1, 0, 20))
	u.retain(loc(2, 0, 30))
	u.retain(loc(2, 30, 30))
	u.release(loc(2, 0, 30))

	assert.Equal(t, int64(70), u.stats(2).Dead())
	assert.Equal(t, int64(30), u.stats(1).Dead())

	snap := u.snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, uint64(1), uint64(snap[0].ID))

	u.drop(1)
	assert.Len(t, u.snapshot(), 1)
	assert.Equal(t, int64(0), u.stats(1).Size)

	// Late transitions on a dropped segment leave no trace.
	u.release(loc(1, 0, 20))
	u.retain(loc(1, 20, 5))
	assert.Len(t, u.snapshot(), 1)
	assert.Equal(t, SegmentStats{ID: 1}, u.stats(1))

	u.release(loc(7, 0, 10))
	assert.Len(t, u.snapshot(), 1)
}
