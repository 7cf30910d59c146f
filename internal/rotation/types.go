// Package rotation runs the rotation policy scheduler, value generators,
// and the grace sweeper.
package rotation

import "time"

// dueEntry is one (project,key) awaiting rotation, ordered by
// nextRotationAt in the scheduler's min-heap.
type dueEntry struct {
	project        string
	key            string
	nextRotationAt time.Time
	index          int // maintained by container/heap
}

// dueHeap is a container/heap.Interface min-heap keyed by nextRotationAt.
type dueHeap []*dueEntry

func (h dueHeap) Len() int { return len(h) }
func (h dueHeap) Less(i, j int) bool {
	return h[i].nextRotationAt.Before(h[j].nextRotationAt)
}
func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *dueHeap) Push(x any) {
	e := x.(*dueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// GeneratorResult is what a value generator produces.
type GeneratorResult struct {
	Value []byte
}
