package task

import "container/heap"

// ReleaseRing batches task records released from the same table-bucket
// critical section into one priority-ordered group, so the caller can
// submit them to the scheduler in bulk instead of one at a time (§4.3 step
// 4, "chained into a priority-ordered ring"; Design Notes §9 trades the
// original's intrusive ring for a slice-backed heap that pops the highest
// priority first).
//
// Grounded on SK-Kadam-aistore/transport/collect.go's collector, which
// keeps a container/heap min-heap of streams ordered by idle-tick count;
// here the ordering key is task priority instead.
type ReleaseRing struct {
	recs []*Record
}

func (r *ReleaseRing) Len() int            { return len(r.recs) }
func (r *ReleaseRing) Less(i, j int) bool  { return r.recs[i].Priority > r.recs[j].Priority } // highest priority first
func (r *ReleaseRing) Swap(i, j int)       { r.recs[i], r.recs[j] = r.recs[j], r.recs[i] }
func (r *ReleaseRing) Push(x interface{})  { r.recs = append(r.recs, x.(*Record)) }
func (r *ReleaseRing) Pop() interface{} {
	old := r.recs
	n := len(old)
	rec := old[n-1]
	r.recs = old[:n-1]
	return rec
}

// NewReleaseRing starts an empty ring; callers Add released records to it
// as set_arg's critical sections complete, then Drain it once outside any
// bucket lock to hand records to the worker pool in priority order.
func NewReleaseRing() *ReleaseRing {
	r := &ReleaseRing{}
	heap.Init(r)
	return r
}

func (r *ReleaseRing) Add(rec *Record) { heap.Push(r, rec) }

// Drain empties the ring in priority order.
func (r *ReleaseRing) Drain() []*Record {
	out := make([]*Record, 0, r.Len())
	for r.Len() > 0 {
		out = append(out, heap.Pop(r).(*Record))
	}
	return out
}
