// Package scheduler implements a timestamp-ordered deferred task queue.
//
// Tasks are held in a binary min-heap keyed by (timestamp, id). The id is a
// per-Scheduler sequence number assigned at Schedule time, so tasks that share
// a timestamp come out in the order they went in.
//
//	Schedule → O(log N)
//	Remove   → O(1)      (lazy: the heap entry becomes a tombstone)
//	Next     → O(log N)  amortised over discarded tombstones
//
// Cancellation never restructures the heap. Removed ids are dropped from the
// pending set and their heap entries are skipped when they reach the root.
// Compact rebuilds the heap when tombstones pile up.
//
// A Scheduler never looks at a clock and never runs callbacks. Deciding when
// to call Next, running the task and recording its outcome belong to the
// driver that embeds it.
//
// Scheduler is not safe for concurrent use. Callers that share one across
// goroutines must serialise Schedule, Remove, Next and the accessors.
package scheduler

import (
	"cmp"
	"container/heap"
	"errors"
	"slices"
)

var (
	// ErrNilTask is returned by Schedule when given a nil task.
	ErrNilTask = errors.New("scheduler: nil task")

	// ErrAlreadyScheduled is returned by Schedule when the task already has an
	// id. A task is scheduled at most once; build a new Task to run the same
	// callback again.
	ErrAlreadyScheduled = errors.New("scheduler: task already scheduled")
)

// Scheduler hands out tasks in (timestamp, id) order.
type Scheduler[T cmp.Ordered] struct {
	h      minHeap[T]
	valid  map[ID]struct{} // live ids; the heap may hold more (tombstones)
	lastID ID
}

// New returns an empty Scheduler. The first id it assigns is 1.
func New[T cmp.Ordered]() *Scheduler[T] {
	h := make(minHeap[T], 0, 64)
	heap.Init(&h)
	return &Scheduler[T]{
		h:     h,
		valid: make(map[ID]struct{}),
	}
}

// Schedule assigns task the next id, queues it and returns it.
// A task that already carries an id is rejected with ErrAlreadyScheduled and
// no id is consumed.
func (s *Scheduler[T]) Schedule(task *Task[T]) (*Task[T], error) {
	if task == nil {
		return nil, ErrNilTask
	}
	if task.Scheduled() {
		return task, ErrAlreadyScheduled
	}

	id := s.lastID + 1
	if err := task.SetID(id); err != nil {
		return task, err
	}
	s.lastID = id

	heap.Push(&s.h, entry[T]{ts: task.Timestamp(), id: id, task: task})
	s.valid[id] = struct{}{}
	return task, nil
}

// Remove cancels the task with the given id. Unknown, already removed and
// already dispatched ids are ignored.
func (s *Scheduler[T]) Remove(id ID) {
	delete(s.valid, id)
}

// Next removes and returns the pending task with the smallest (timestamp, id),
// or nil if nothing is pending. Tombstones met on the way are discarded.
// The Scheduler keeps no reference to the returned task.
func (s *Scheduler[T]) Next() *Task[T] {
	for s.h.Len() > 0 {
		e := heap.Pop(&s.h).(entry[T])
		if _, ok := s.valid[e.id]; !ok {
			continue
		}
		delete(s.valid, e.id)
		return e.task
	}
	return nil
}

// Peek returns the task Next would return, without dispatching it.
// Tombstones sitting at the root are discarded.
func (s *Scheduler[T]) Peek() *Task[T] {
	for s.h.Len() > 0 {
		root := s.h[0]
		if _, ok := s.valid[root.id]; ok {
			return root.task
		}
		heap.Pop(&s.h)
	}
	return nil
}

// Pending returns the ids that are scheduled and neither removed nor
// dispatched, in ascending order. The slice is a copy.
func (s *Scheduler[T]) Pending() []ID {
	ids := make([]ID, 0, len(s.valid))
	for id := range s.valid {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// PendingCount returns len(Pending()) without allocating.
func (s *Scheduler[T]) PendingCount() int { return len(s.valid) }

// IsPending reports whether id is scheduled and not yet removed or dispatched.
func (s *Scheduler[T]) IsPending(id ID) bool {
	_, ok := s.valid[id]
	return ok
}

// HeapLen returns the number of heap entries, tombstones included.
func (s *Scheduler[T]) HeapLen() int { return s.h.Len() }

// Tombstones returns the number of heap entries whose ids are no longer pending.
func (s *Scheduler[T]) Tombstones() int { return s.h.Len() - len(s.valid) }

// Compact drops every tombstone and re-heapifies in O(N). It returns the
// number of entries dropped.
func (s *Scheduler[T]) Compact() int {
	kept := s.h[:0]
	for _, e := range s.h {
		if _, ok := s.valid[e.id]; ok {
			kept = append(kept, e)
		}
	}
	dropped := len(s.h) - len(kept)
	clear(s.h[len(kept):])
	s.h = kept
	heap.Init(&s.h)
	return dropped
}
