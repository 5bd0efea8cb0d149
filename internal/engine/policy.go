package engine

// MergePolicy decides when the background loop starts a merge.
type MergePolicy interface {
	// ShouldMerge is called with the usage of every segment in ascending id order.
	ShouldMerge(stats []SegmentStats) bool
}

// DeadRatioPolicy merges once the dead share of sealed bytes reaches Ratio
// and at least MinDeadBytes can be reclaimed.
type DeadRatioPolicy struct {
	Ratio        float64
	MinDeadBytes int64
}

// ShouldMerge implements MergePolicy.
func (p *DeadRatioPolicy) ShouldMerge(stats []SegmentStats) bool {
	var total, dead int64
	for _, s := range stats {
		if s.Active {
			continue
		}
		total += s.Size
		dead += s.Dead()
	}
	if total == 0 || dead <= 0 || dead < p.MinDeadBytes {
		return false
	}
	return float64(dead)/float64(total) >= p.Ratio
}

// MergePolicyFunc adapts a function to MergePolicy.
type MergePolicyFunc func(stats []SegmentStats) bool

// ShouldMerge implements MergePolicy.
func (f MergePolicyFunc) ShouldMerge(stats []SegmentStats) bool { return f(stats) }
