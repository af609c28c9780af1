package dlq_test

import (
	"sync"
	"testing"

	"github.com/snehjoshi/deferq/internal/dlq"
	"github.com/snehjoshi/deferq/internal/driver"
	"github.com/snehjoshi/deferq/pkg/scheduler"
)

func failed(id scheduler.ID) driver.Event {
	return driver.Event{TaskID: id, Status: scheduler.StatusError, Error: "boom"}
}

func taskIDs(evs []driver.Event) []scheduler.ID {
	out := make([]scheduler.ID, len(evs))
	for i, ev := range evs {
		out[i] = ev.TaskID
	}
	return out
}

func equalIDs(a, b []scheduler.ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLedger_IgnoresSuccess(t *testing.T) {
	l := dlq.New(4)
	l.Record(driver.Event{TaskID: 1, Status: scheduler.StatusDone})
	l.Record(driver.Event{TaskID: 2, Status: scheduler.StatusNew})
	if n := l.Len(); n != 0 {
		t.Errorf("Len: want 0, got %d", n)
	}
}

func TestLedger_PeekKeepsOrder(t *testing.T) {
	l := dlq.New(4)
	for id := scheduler.ID(1); id <= 3; id++ {
		l.Record(failed(id))
	}

	if got := taskIDs(l.Peek(2)); !equalIDs(got, []scheduler.ID{1, 2}) {
		t.Errorf("Peek(2): want [1 2], got %v", got)
	}
	if got := taskIDs(l.Peek(0)); !equalIDs(got, []scheduler.ID{1, 2, 3}) {
		t.Errorf("Peek(0): want [1 2 3], got %v", got)
	}
	if n := l.Len(); n != 3 {
		t.Errorf("Peek must not remove: Len want 3, got %d", n)
	}
}

func TestLedger_Drain(t *testing.T) {
	l := dlq.New(4)
	for id := scheduler.ID(1); id <= 3; id++ {
		l.Record(failed(id))
	}

	if got := taskIDs(l.Drain(2)); !equalIDs(got, []scheduler.ID{1, 2}) {
		t.Errorf("Drain(2): want [1 2], got %v", got)
	}
	if n := l.Len(); n != 1 {
		t.Errorf("Len after drain: want 1, got %d", n)
	}

	l.Record(failed(4))
	if got := taskIDs(l.Drain(0)); !equalIDs(got, []scheduler.ID{3, 4}) {
		t.Errorf("Drain(0): want [3 4], got %v", got)
	}
	if got := l.Drain(5); len(got) != 0 {
		t.Errorf("Drain on empty: want none, got %v", got)
	}
}

func TestLedger_EvictsOldest(t *testing.T) {
	l := dlq.New(3)
	for id := scheduler.ID(1); id <= 5; id++ {
		l.Record(failed(id))
	}

	if got := taskIDs(l.Peek(0)); !equalIDs(got, []scheduler.ID{3, 4, 5}) {
		t.Errorf("after overflow: want [3 4 5], got %v", got)
	}
	if n := l.Evicted(); n != 2 {
		t.Errorf("Evicted: want 2, got %d", n)
	}
}

func TestLedger_DefaultCapacity(t *testing.T) {
	l := dlq.New(0)
	for id := scheduler.ID(1); id <= dlq.DefaultCapacity+1; id++ {
		l.Record(failed(id))
	}
	if n := l.Len(); n != dlq.DefaultCapacity {
		t.Errorf("Len: want %d, got %d", dlq.DefaultCapacity, n)
	}
}

func TestLedger_Concurrent(t *testing.T) {
	l := dlq.New(10_000)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 500 {
				l.Record(failed(scheduler.ID(g*1000 + i + 1)))
			}
		}(g)
	}
	wg.Wait()
	if n := l.Len(); n != 4000 {
		t.Errorf("Len: want 4000, got %d", n)
	}
}
