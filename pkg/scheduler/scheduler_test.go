package scheduler_test

import (
	"errors"
	"math/rand"
	"slices"
	"testing"

	"github.com/snehjoshi/deferq/pkg/scheduler"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func noop() (any, error) { return nil, nil }

// mustSchedule schedules a fresh task at ts and fails the test on error.
func mustSchedule(t *testing.T, s *scheduler.Scheduler[int], ts int) *scheduler.Task[int] {
	t.Helper()
	task, err := s.Schedule(scheduler.NewTask(ts, noop))
	if err != nil {
		t.Fatalf("Schedule(%d): %v", ts, err)
	}
	return task
}

// drain pops until Next returns nil and returns the tasks in order.
func drain(s *scheduler.Scheduler[int]) []*scheduler.Task[int] {
	var out []*scheduler.Task[int]
	for task := s.Next(); task != nil; task = s.Next() {
		out = append(out, task)
	}
	return out
}

func idsOf(tasks []*scheduler.Task[int]) []scheduler.ID {
	out := make([]scheduler.ID, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID()
	}
	return out
}

// ─── Ordering ────────────────────────────────────────────────────────────────

func TestScheduler_TimestampOrder(t *testing.T) {
	s := scheduler.New[int]()
	a := mustSchedule(t, s, 5)
	b := mustSchedule(t, s, 1)
	c := mustSchedule(t, s, 3)

	got := idsOf(drain(s))
	want := []scheduler.ID{b.ID(), c.ID(), a.ID()}
	if !slices.Equal(got, want) {
		t.Errorf("dispatch order: want %v, got %v", want, got)
	}
}

func TestScheduler_TiesPreserveInsertionOrder(t *testing.T) {
	s := scheduler.New[int]()
	a := mustSchedule(t, s, 1)
	b := mustSchedule(t, s, 1)
	c := mustSchedule(t, s, 1)

	got := idsOf(drain(s))
	want := []scheduler.ID{a.ID(), b.ID(), c.ID()}
	if !slices.Equal(got, want) {
		t.Errorf("tie order: want %v, got %v", want, got)
	}
}

func TestScheduler_RandomTimestampsMatchSortedOrder(t *testing.T) {
	s := scheduler.New[int]()
	rnd := rand.New(rand.NewSource(42))

	var scheduled []*scheduler.Task[int]
	for range 100 {
		// Small range forces plenty of timestamp ties.
		scheduled = append(scheduled, mustSchedule(t, s, rnd.Intn(20)))
	}

	want := slices.Clone(scheduled)
	slices.SortFunc(want, func(x, y *scheduler.Task[int]) int {
		if x.Timestamp() != y.Timestamp() {
			return x.Timestamp() - y.Timestamp()
		}
		return int(x.ID()) - int(y.ID())
	})

	got := drain(s)
	if len(got) != len(want) {
		t.Fatalf("drained %d tasks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: want id %s (ts %d), got id %s (ts %d)",
				i, want[i].ID(), want[i].Timestamp(), got[i].ID(), got[i].Timestamp())
		}
	}
}

func TestScheduler_InterleavedScheduleAndNext(t *testing.T) {
	s := scheduler.New[int]()
	mustSchedule(t, s, 10)
	first := mustSchedule(t, s, 5)

	if got := s.Next(); got != first {
		t.Fatalf("Next: want ts 5, got %v", got)
	}

	// A task scheduled after a dispatch still competes on timestamp alone.
	early := mustSchedule(t, s, 7)
	if got := s.Next(); got != early {
		t.Fatalf("Next after reschedule: want ts 7, got ts %d", got.Timestamp())
	}
	if got := s.Next(); got == nil || got.Timestamp() != 10 {
		t.Fatalf("Next: want ts 10, got %v", got)
	}
}

func TestScheduler_FloatAndStringTimestamps(t *testing.T) {
	fs := scheduler.New[float64]()
	_, _ = fs.Schedule(scheduler.NewTask(2.5, noop))
	_, _ = fs.Schedule(scheduler.NewTask(-1.0, noop))
	_, _ = fs.Schedule(scheduler.NewTask(0.25, noop))

	var gotF []float64
	for task := fs.Next(); task != nil; task = fs.Next() {
		gotF = append(gotF, task.Timestamp())
	}
	if !slices.Equal(gotF, []float64{-1.0, 0.25, 2.5}) {
		t.Errorf("float order: got %v", gotF)
	}

	ss := scheduler.New[string]()
	_, _ = ss.Schedule(scheduler.NewTask("2026-10-17T10:00", noop))
	_, _ = ss.Schedule(scheduler.NewTask("2026-10-17T09:00", noop))

	if got := ss.Next().Timestamp(); got != "2026-10-17T09:00" {
		t.Errorf("string order: want 09:00 first, got %s", got)
	}
}

// ─── Cancellation ────────────────────────────────────────────────────────────

func TestScheduler_RemoveSkipsTask(t *testing.T) {
	s := scheduler.New[int]()
	a := mustSchedule(t, s, 1)
	b := mustSchedule(t, s, 2)

	s.Remove(a.ID())
	if s.IsPending(a.ID()) {
		t.Error("removed id still pending")
	}
	if got := s.Pending(); !slices.Equal(got, []scheduler.ID{b.ID()}) {
		t.Errorf("Pending after remove: want [%s], got %v", b.ID(), got)
	}

	if got := s.Next(); got != b {
		t.Fatalf("Next: want b, got %v", got)
	}
	if got := s.Next(); got != nil {
		t.Fatalf("Next on exhausted scheduler: want nil, got id %s", got.ID())
	}
}

func TestScheduler_RemoveIsLenient(t *testing.T) {
	s := scheduler.New[int]()
	s.Remove(999)
	if n := len(s.Pending()); n != 0 {
		t.Fatalf("Pending on fresh scheduler: want 0, got %d", n)
	}

	a := mustSchedule(t, s, 1)
	b := mustSchedule(t, s, 2)
	s.Remove(a.ID())
	s.Remove(a.ID())
	s.Remove(12345)

	if got := s.Pending(); !slices.Equal(got, []scheduler.ID{b.ID()}) {
		t.Errorf("Pending: want [%s], got %v", b.ID(), got)
	}
	if got := s.Next(); got != b {
		t.Errorf("Next: want b, got %v", got)
	}

	// Removing an already dispatched id changes nothing.
	s.Remove(b.ID())
	if s.PendingCount() != 0 {
		t.Errorf("PendingCount: want 0, got %d", s.PendingCount())
	}
}

func TestScheduler_RemovedTaskNeverReturned(t *testing.T) {
	s := scheduler.New[int]()
	var removed []scheduler.ID
	for i := range 50 {
		task := mustSchedule(t, s, i%7)
		if i%3 == 0 {
			s.Remove(task.ID())
			removed = append(removed, task.ID())
		}
	}

	for _, task := range drain(s) {
		if slices.Contains(removed, task.ID()) {
			t.Fatalf("removed task %s was dispatched", task.ID())
		}
	}
}

func TestScheduler_PendingIsNotHeapSize(t *testing.T) {
	s := scheduler.New[int]()
	a := mustSchedule(t, s, 3)
	mustSchedule(t, s, 4)
	s.Remove(a.ID())

	if s.PendingCount() != 1 {
		t.Errorf("PendingCount: want 1, got %d", s.PendingCount())
	}
	if s.HeapLen() != 2 {
		t.Errorf("HeapLen: want 2 (one tombstone), got %d", s.HeapLen())
	}
	if s.Tombstones() != 1 {
		t.Errorf("Tombstones: want 1, got %d", s.Tombstones())
	}
}

func TestScheduler_Compact(t *testing.T) {
	s := scheduler.New[int]()
	var keep []*scheduler.Task[int]
	for i := range 10 {
		task := mustSchedule(t, s, 10-i)
		if i%2 == 0 {
			s.Remove(task.ID())
		} else {
			keep = append(keep, task)
		}
	}

	if dropped := s.Compact(); dropped != 5 {
		t.Errorf("Compact: want 5 dropped, got %d", dropped)
	}
	if s.HeapLen() != 5 || s.Tombstones() != 0 {
		t.Errorf("after Compact: HeapLen=%d Tombstones=%d, want 5 and 0", s.HeapLen(), s.Tombstones())
	}

	got := drain(s)
	slices.Reverse(keep) // later tasks have earlier timestamps
	if !slices.Equal(got, keep) {
		t.Errorf("order after Compact: want %v, got %v", idsOf(keep), idsOf(got))
	}
}

// ─── Peek ────────────────────────────────────────────────────────────────────

func TestScheduler_PeekDoesNotDispatch(t *testing.T) {
	s := scheduler.New[int]()
	if s.Peek() != nil {
		t.Fatal("Peek on empty scheduler: want nil")
	}

	a := mustSchedule(t, s, 1)
	b := mustSchedule(t, s, 2)
	s.Remove(a.ID())

	if got := s.Peek(); got != b {
		t.Fatalf("Peek: want b, got %v", got)
	}
	if !s.IsPending(b.ID()) {
		t.Error("Peek must leave the task pending")
	}
	if s.Tombstones() != 0 {
		t.Errorf("Peek should discard root tombstones, %d left", s.Tombstones())
	}
	if got := s.Next(); got != b {
		t.Errorf("Next after Peek: want b, got %v", got)
	}
}

// ─── Exhaustion and lifecycle ────────────────────────────────────────────────

func TestScheduler_NextOnEmpty(t *testing.T) {
	s := scheduler.New[int]()
	for i := range 3 {
		if got := s.Next(); got != nil {
			t.Fatalf("Next #%d on empty scheduler: want nil, got %v", i, got)
		}
	}

	mustSchedule(t, s, 1)
	if s.Next() == nil {
		t.Fatal("Next: want task, got nil")
	}
	if got := s.Next(); got != nil {
		t.Fatalf("Next after single pop: want nil, got %v", got)
	}
}

func TestScheduler_AllRemovedBehavesEmpty(t *testing.T) {
	s := scheduler.New[int]()
	for i := range 5 {
		s.Remove(mustSchedule(t, s, i).ID())
	}
	if got := s.Next(); got != nil {
		t.Fatalf("Next: want nil, got id %s", got.ID())
	}
	if s.HeapLen() != 0 {
		t.Errorf("HeapLen after draining tombstones: want 0, got %d", s.HeapLen())
	}
}

func TestScheduler_NextDropsPending(t *testing.T) {
	s := scheduler.New[int]()
	a := mustSchedule(t, s, 1)
	if !s.IsPending(a.ID()) {
		t.Fatal("scheduled task not pending")
	}
	if s.Next() != a {
		t.Fatal("Next: want a")
	}
	if s.IsPending(a.ID()) {
		t.Error("dispatched task still pending")
	}
}

// ─── Ids ─────────────────────────────────────────────────────────────────────

func TestScheduler_IDsStrictlyIncrease(t *testing.T) {
	s := scheduler.New[int]()
	var last scheduler.ID
	for i := range 20 {
		task := mustSchedule(t, s, 100-i)
		if i == 0 && task.ID() != 1 {
			t.Errorf("first id: want 1, got %s", task.ID())
		}
		if task.ID() <= last {
			t.Fatalf("id %s not greater than previous %s", task.ID(), last)
		}
		last = task.ID()
		if i%4 == 0 {
			s.Remove(task.ID())
		}
		if i%5 == 0 {
			s.Next()
		}
	}
}

func TestScheduler_RejectsDoubleSchedule(t *testing.T) {
	s := scheduler.New[int]()
	a := mustSchedule(t, s, 1)

	_, err := s.Schedule(a)
	if !errors.Is(err, scheduler.ErrAlreadyScheduled) {
		t.Fatalf("second Schedule: want ErrAlreadyScheduled, got %v", err)
	}
	if a.ID() != 1 {
		t.Errorf("id changed after rejected schedule: %s", a.ID())
	}

	// A rejected call consumes no id.
	b := mustSchedule(t, s, 1)
	if b.ID() != 2 {
		t.Errorf("next id: want 2, got %s", b.ID())
	}
	if s.HeapLen() != 2 {
		t.Errorf("HeapLen: want 2, got %d", s.HeapLen())
	}
}

func TestScheduler_RejectsNilTask(t *testing.T) {
	s := scheduler.New[int]()
	if _, err := s.Schedule(nil); !errors.Is(err, scheduler.ErrNilTask) {
		t.Fatalf("Schedule(nil): want ErrNilTask, got %v", err)
	}
}

func TestScheduler_IndependentInstances(t *testing.T) {
	s1 := scheduler.New[int]()
	s2 := scheduler.New[int]()
	mustSchedule(t, s1, 1)
	mustSchedule(t, s1, 1)
	if got := mustSchedule(t, s2, 1).ID(); got != 1 {
		t.Errorf("second scheduler first id: want 1, got %s", got)
	}
}
