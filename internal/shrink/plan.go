package shrink

import "fmt"

// marginLadder holds the spare blocks added above the minimum. The first
// step strictly below the available headroom is used.
var marginLadder = []int64{5000, 1000, 100}

// Plan is the sizing decision for one filesystem, in filesystem blocks.
type Plan struct {
	Current int64
	Minimum int64
	Margin  int64
	Target  int64
}

// NewPlan computes the target size from the current block count and the
// minimum reported by resize2fs. A minimum at or above the current size
// yields a plan that keeps the current size.
func NewPlan(current, minimum int64) Plan {
	p := Plan{Current: current, Minimum: minimum}
	if minimum >= current {
		p.Target = current
		return p
	}
	headroom := current - minimum
	for _, step := range marginLadder {
		if headroom > step {
			p.Margin = step
			break
		}
	}
	p.Target = minimum + p.Margin
	return p
}

// Minimal reports whether the filesystem cannot shrink any further.
func (p Plan) Minimal() bool { return p.Minimum >= p.Current }

// Overestimated reports a minimum larger than the filesystem itself.
func (p Plan) Overestimated() bool { return p.Minimum > p.Current }

// Validate checks Minimum <= Target <= Current for a shrinkable plan.
func (p Plan) Validate() error {
	if p.Current <= 0 {
		return fmt.Errorf("invalid current size %d blocks", p.Current)
	}
	if p.Minimum <= 0 {
		return fmt.Errorf("invalid minimum size %d blocks", p.Minimum)
	}
	if p.Minimal() {
		if p.Target != p.Current {
			return fmt.Errorf("target %d must equal current %d when already minimal", p.Target, p.Current)
		}
		return nil
	}
	if p.Target < p.Minimum || p.Target > p.Current {
		return fmt.Errorf("target %d outside [%d, %d]", p.Target, p.Minimum, p.Current)
	}
	return nil
}

// PartitionEnd returns the byte offset of the new partition end for a
// partition starting at start.
func (p Plan) PartitionEnd(start, blockSize int64) int64 {
	return start + p.Target*blockSize
}
