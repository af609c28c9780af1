package scheduler

import "cmp"

// entry is one (timestamp, id, task) triple in the scheduler min-heap.
// The timestamp and id are copied out of the task at push time so ordering
// never depends on the task after it has been handed off.
type entry[T cmp.Ordered] struct {
	ts   T
	id   ID
	task *Task[T]
}

// minHeap satisfies heap.Interface. The smallest (ts, id) pair sits at index 0.
type minHeap[T cmp.Ordered] []entry[T]

func (h minHeap[T]) Len() int { return len(h) }

func (h minHeap[T]) Less(i, j int) bool {
	if c := cmp.Compare(h[i].ts, h[j].ts); c != 0 {
		return c < 0
	}
	// Equal timestamps dispatch in scheduling order.
	return h[i].id < h[j].id
}

func (h minHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *minHeap[T]) Push(x any) {
	*h = append(*h, x.(entry[T]))
}

func (h *minHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry[T]{} // allow GC of the task
	*h = old[:n-1]
	return e
}
