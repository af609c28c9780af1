// Package dlq keeps a bounded dead-letter record of tasks that ended in ERROR.
//
// A Ledger is a driver observer: it ignores successful dispatches and retains
// the most recent failed Events, oldest first. When full, the oldest entry is
// evicted and counted.
//
//   - Peek:  read (but don't remove) the oldest N dead-lettered events.
//   - Drain: remove and return the oldest N events.
package dlq

import (
	"sync"

	"github.com/snehjoshi/deferq/internal/driver"
	"github.com/snehjoshi/deferq/pkg/scheduler"
)

// DefaultCapacity is used when New is given a capacity below 1.
const DefaultCapacity = 1000

// Ledger is a fixed-size ring of failed task events. It is safe for
// concurrent use.
type Ledger struct {
	mu      sync.Mutex
	buf     []driver.Event
	head    int // index of the oldest entry
	n       int
	evicted int64
}

// New returns a Ledger that holds at most capacity events.
func New(capacity int) *Ledger {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Ledger{buf: make([]driver.Event, capacity)}
}

// Record stores ev if it describes a failed task. It has the signature
// driver.WithObserver expects.
func (l *Ledger) Record(ev driver.Event) {
	if ev.Status != scheduler.StatusError {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n == len(l.buf) {
		l.buf[l.head] = ev
		l.head = (l.head + 1) % len(l.buf)
		l.evicted++
		return
	}
	l.buf[(l.head+l.n)%len(l.buf)] = ev
	l.n++
}

// Peek returns up to limit of the oldest events without removing them.
// A limit below 1 returns everything.
func (l *Ledger) Peek(limit int) []driver.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyOut(limit)
}

// Drain removes and returns up to limit of the oldest events.
// A limit below 1 drains everything.
func (l *Ledger) Drain(limit int) []driver.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.copyOut(limit)
	for i := range out {
		l.buf[(l.head+i)%len(l.buf)] = driver.Event{}
	}
	l.head = (l.head + len(out)) % len(l.buf)
	l.n -= len(out)
	return out
}

// Len returns the number of events currently held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Evicted returns how many events were pushed out by newer failures.
func (l *Ledger) Evicted() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evicted
}

func (l *Ledger) copyOut(limit int) []driver.Event {
	k := l.n
	if limit > 0 && limit < k {
		k = limit
	}
	out := make([]driver.Event, k)
	for i := range k {
		out[i] = l.buf[(l.head+i)%len(l.buf)]
	}
	return out
}
