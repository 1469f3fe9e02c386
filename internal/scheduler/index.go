package scheduler

import (
	"math"
	"slices"

	"github.com/eapache/queue"
)

// index maps a tick to the FIFO of tasks due at exactly that tick.
// A key exists only while its bucket is non-empty.
//
// Not safe for concurrent use; guarded by Scheduler.mu.
type index struct {
	buckets map[int64]*queue.Queue
	pending int

	// low is a lower bound of every key; math.MaxInt64 when nothing was
	// inserted since the last drain covered it.
	low int64
}

func newIndex() *index {
	return &index{buckets: map[int64]*queue.Queue{}, low: math.MaxInt64}
}

// floor returns the smaller of tick and the lowest possible key, so a drain
// starting there cannot skip a bucket left behind below tick.
func (ix *index) floor(tick int64) int64 {
	return min(tick, ix.low)
}

func (ix *index) insert(tick int64, t *Task) {
	b := ix.buckets[tick]
	if b == nil {
		b = queue.New()
		ix.buckets[tick] = b
	}
	b.Add(t)
	ix.pending++
	if tick < ix.low {
		ix.low = tick
	}
}

// keysIn returns the keys in [lo, hi] in ascending order.
//
// Short ranges are walked tick by tick; wide ranges (a long stall, or a fine
// resolution) scan the map instead.
func (ix *index) keysIn(lo, hi int64) []int64 {
	if hi < lo || len(ix.buckets) == 0 {
		return nil
	}
	var keys []int64
	if span := hi - lo; span >= 0 && span < int64(len(ix.buckets)) {
		for tick := lo; tick <= hi; tick++ {
			if _, ok := ix.buckets[tick]; ok {
				keys = append(keys, tick)
			}
		}
		return keys
	}
	for tick := range ix.buckets {
		if tick >= lo && tick <= hi {
			keys = append(keys, tick)
		}
	}
	slices.Sort(keys)
	return keys
}

// drain removes every bucket in [lo, hi] and returns its tasks, tick-ascending
// and in insertion order within a tick.
func (ix *index) drain(lo, hi int64) []*Task {
	if lo <= ix.low && hi >= ix.low {
		// Nothing at or below hi survives.
		defer func() { ix.low = max(ix.low, hi+1) }()
	}
	keys := ix.keysIn(lo, hi)
	if len(keys) == 0 {
		return nil
	}
	var due []*Task
	for _, tick := range keys {
		b := ix.buckets[tick]
		for b.Length() > 0 {
			due = append(due, b.Remove().(*Task))
		}
		delete(ix.buckets, tick)
	}
	ix.pending -= len(due)
	return due
}

func (ix *index) anyIn(lo, hi int64) bool {
	return len(ix.keysIn(lo, hi)) > 0
}

func (ix *index) clear() {
	ix.buckets = map[int64]*queue.Queue{}
	ix.pending = 0
	ix.low = math.MaxInt64
}

func (ix *index) len() int { return len(ix.buckets) }
