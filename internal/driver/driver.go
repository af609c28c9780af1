// Package driver runs tasks from a scheduler.Scheduler when they fall due.
//
// The scheduler only orders tasks; the driver decides when to call Next,
// runs the callback and records its outcome. Timestamps are UTC Unix
// milliseconds.
//
// Two ways to drive:
//
//	d := driver.New(driver.WithClock(clk))
//	d.Submit(at, cb)
//	n := d.RunDue(ctx)     // run everything due now, in the caller's goroutine
//
//	d := driver.New(driver.WithWorkers(4))
//	d.Start(ctx)           // background loop sleeps until the head is due
//	defer d.Stop()
//
// All Driver methods are safe for concurrent use.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/deferq/internal/ident"
	"github.com/snehjoshi/deferq/internal/metrics"
	"github.com/snehjoshi/deferq/pkg/scheduler"
)

// ErrTaskNotNew is returned by Schedule for a task that has already been
// completed or failed.
var ErrTaskNotNew = errors.New("driver: task is not new")

// maxSleepMs caps a single wait of the dispatch loop. The loop re-evaluates
// the head on every wake, so far-future tasks are reached in steps.
const maxSleepMs = int64(24 * time.Hour / time.Millisecond)

// Task is the task type a Driver schedules: timestamps are Unix milliseconds.
type Task = scheduler.Task[int64]

// Event describes one dispatched task after its callback returned.
type Event struct {
	ID           string           `json:"id"` // ULID
	Driver       string           `json:"driver"`
	TaskID       scheduler.ID     `json:"task_id"`
	Timestamp    int64            `json:"timestamp"`
	Status       scheduler.Status `json:"status"`
	Result       any              `json:"result,omitempty"`
	Error        string           `json:"error,omitempty"`
	DispatchedAt int64            `json:"dispatched_at"`
	FinishedAt   int64            `json:"finished_at"`
}

// Stats is a point-in-time view of a driver. Counters come from the driver's
// metrics registry and are cumulative for the driver's name.
type Stats struct {
	Name       string `json:"name"`
	RunID      string `json:"run_id"`
	Running    bool   `json:"running"`
	Pending    int    `json:"pending"`
	HeapLen    int    `json:"heap_len"`
	Tombstones int    `json:"tombstones"`
	Scheduled  int64  `json:"scheduled"`
	Cancelled  int64  `json:"cancelled"`
	Dispatched int64  `json:"dispatched"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
}

// Driver owns a Scheduler and the goroutines that run its tasks.
type Driver struct {
	mu    sync.Mutex
	sched *scheduler.Scheduler[int64]

	name      string
	runID     string
	clock     Clock
	workers   int
	compactAt int
	reg       *metrics.Registry
	observers []func(Event)
	logger    *slog.Logger

	// notify has capacity 1. Submit and Cancel signal it so the loop
	// re-evaluates its sleep; a pending signal makes further sends no-ops.
	notify chan struct{}
	done   chan struct{}
	ready  chan *Task

	loopWG   sync.WaitGroup
	workerWG sync.WaitGroup
	start    sync.Once
	stop     sync.Once
	running  atomic.Bool
}

// New builds a Driver. Call Start for background dispatch, or RunDue to
// dispatch synchronously.
func New(opts ...Option) *Driver {
	d := &Driver{
		sched:   scheduler.New[int64](),
		name:    "default",
		runID:   ident.MustNewID(),
		clock:   WallClock{},
		workers: 1,
		logger:  slog.Default(),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.reg == nil {
		d.reg = &metrics.Registry{}
	}
	d.ready = make(chan *Task, d.workers)
	d.logger = d.logger.With("driver", d.name, "run_id", d.runID)

	d.reg.Gauge("tasks_pending", "Tasks scheduled and not yet dispatched or cancelled", d.name,
		func() int64 {
			d.mu.Lock()
			defer d.mu.Unlock()
			return int64(d.sched.PendingCount())
		})
	d.reg.Gauge("heap_entries", "Scheduler heap entries including tombstones", d.name,
		func() int64 {
			d.mu.Lock()
			defer d.mu.Unlock()
			return int64(d.sched.HeapLen())
		})
	return d
}

// Name returns the driver's label.
func (d *Driver) Name() string { return d.name }

// RunID returns the ULID minted for this driver instance.
func (d *Driver) RunID() string { return d.runID }

// Clock returns the clock the driver reads.
func (d *Driver) Clock() Clock { return d.clock }

// Schedule queues a caller-built task. It fails with
// scheduler.ErrAlreadyScheduled if the task already has an id, and with
// ErrTaskNotNew if the task was already completed or failed.
func (d *Driver) Schedule(task *Task) (*Task, error) {
	if task != nil && task.Status() != scheduler.StatusNew {
		return task, fmt.Errorf("%w: status %s", ErrTaskNotNew, task.Status())
	}
	d.mu.Lock()
	task, err := d.sched.Schedule(task)
	d.mu.Unlock()
	if err != nil {
		return task, err
	}

	d.reg.Scheduled.Inc(d.name)
	d.logger.Debug("task scheduled", "task_id", task.ID(), "timestamp", task.Timestamp())
	d.wake()
	return task, nil
}

// Submit schedules cb to run at atMs.
func (d *Driver) Submit(atMs int64, cb scheduler.Callback) (*Task, error) {
	return d.Schedule(scheduler.NewTask(atMs, cb))
}

// SubmitAfter schedules cb to run delay from the driver clock's now.
func (d *Driver) SubmitAfter(delay time.Duration, cb scheduler.Callback) (*Task, error) {
	return d.Submit(d.clock.NowMs()+delay.Milliseconds(), cb)
}

// Cancel removes a pending task and reports whether it was pending.
// Unknown and already dispatched ids return false.
func (d *Driver) Cancel(id scheduler.ID) bool {
	d.mu.Lock()
	pending := d.sched.IsPending(id)
	d.sched.Remove(id)
	dropped := 0
	if pending && d.compactAt > 0 && d.sched.Tombstones() >= d.compactAt {
		dropped = d.sched.Compact()
	}
	d.mu.Unlock()

	if !pending {
		return false
	}
	d.reg.Cancelled.Inc(d.name)
	d.logger.Debug("task cancelled", "task_id", id)
	if dropped > 0 {
		d.logger.Info("scheduler compacted", "tombstones_dropped", dropped)
	}
	d.wake()
	return true
}

// Pending returns the ids of tasks still waiting to run, ascending.
func (d *Driver) Pending() []scheduler.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sched.Pending()
}

// IsPending reports whether id is still waiting to run.
func (d *Driver) IsPending(id scheduler.ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sched.IsPending(id)
}

// Stats returns a snapshot of queue sizes and lifecycle counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	s := Stats{
		Pending:    d.sched.PendingCount(),
		HeapLen:    d.sched.HeapLen(),
		Tombstones: d.sched.Tombstones(),
	}
	d.mu.Unlock()

	s.Name = d.name
	s.RunID = d.runID
	s.Running = d.running.Load()
	s.Scheduled = d.reg.Scheduled.Value(d.name)
	s.Cancelled = d.reg.Cancelled.Value(d.name)
	s.Dispatched = d.reg.Dispatched.Value(d.name)
	s.Completed = d.reg.Completed.Value(d.name)
	s.Failed = d.reg.Failed.Value(d.name)
	return s
}

// RunDue runs, in the calling goroutine, every task whose timestamp is at or
// before the clock's current reading, in (timestamp, id) order. It returns the
// number of tasks run. Tasks a callback submits are run too if already due.
func (d *Driver) RunDue(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		task, _, _ := d.nextDue(d.clock.NowMs())
		if task == nil {
			break
		}
		d.execute(task)
		n++
	}
	return n
}

// Start launches the dispatch loop and the worker pool. Calling Start more
// than once, or after Stop, does nothing.
//
// Cancelling ctx ends the dispatch loop and clears Stats().Running. Tasks
// submitted afterwards stay pending until RunDue; Stop still has to be
// called to release the workers.
func (d *Driver) Start(ctx context.Context) {
	d.start.Do(func() {
		select {
		case <-d.done:
			return
		default:
		}

		d.running.Store(true)
		d.workerWG.Add(d.workers)
		for range d.workers {
			go d.worker()
		}
		d.loopWG.Add(1)
		go d.run(ctx)
		d.logger.Info("driver started", "workers", d.workers)
	})
}

// Stop ends the dispatch loop and waits for running callbacks to return.
// Tasks still queued are abandoned. Stop is idempotent.
func (d *Driver) Stop() {
	d.stop.Do(func() {
		close(d.done)
		d.loopWG.Wait()
		close(d.ready)
		d.workerWG.Wait()
		d.running.Store(false)
		d.logger.Info("driver stopped", "abandoned", d.Stats().Pending)
	})
}

// ─── dispatch loop ────────────────────────────────────────────────────────────

func (d *Driver) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// nextDue pops and returns the head task if it is due at now. Otherwise it
// returns nil along with the head's timestamp, or empty=true if nothing is
// pending.
func (d *Driver) nextDue(now int64) (task *Task, nextAt int64, empty bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	head := d.sched.Peek()
	if head == nil {
		return nil, 0, true
	}
	if head.Timestamp() > now {
		return nil, head.Timestamp(), false
	}
	return d.sched.Next(), 0, false
}

func (d *Driver) run(ctx context.Context) {
	defer d.loopWG.Done()
	defer d.running.Store(false)

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		task, nextAt, empty := d.nextDue(d.clock.NowMs())
		if task != nil {
			select {
			case d.ready <- task:
				continue
			case <-ctx.Done():
			case <-d.done:
			}
			d.logger.Warn("dispatched task dropped during shutdown", "task_id", task.ID())
			return
		}

		if empty {
			select {
			case <-ctx.Done():
				return
			case <-d.done:
				return
			case <-d.notify:
			}
			continue
		}

		waitMs := sleepMs(nextAt, d.clock.NowMs())
		if waitMs == 0 {
			select {
			case <-ctx.Done():
				return
			case <-d.done:
				return
			default:
			}
			continue
		}
		delay := time.Duration(waitMs) * time.Millisecond
		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-d.notify:
			// Something sooner may have arrived; re-evaluate from the top.
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
		}
	}
}

// sleepMs returns how long to wait for a head due at nextAt, capped at
// maxSleepMs. A difference that overflows int64 is treated as far future.
func sleepMs(nextAt, now int64) int64 {
	if nextAt <= now {
		return 0
	}
	ms := nextAt - now
	if ms < 0 || ms > maxSleepMs {
		return maxSleepMs
	}
	return ms
}

func (d *Driver) worker() {
	defer d.workerWG.Done()
	for task := range d.ready {
		d.execute(task)
	}
}

// execute runs one dispatched task and publishes the outcome.
func (d *Driver) execute(task *Task) Event {
	dispatchedAt := d.clock.NowMs()
	d.reg.Dispatched.Inc(d.name)

	if err := task.Run(); err != nil {
		// The callback did not run; there is no outcome to publish.
		d.logger.Error("task run refused", "task_id", task.ID(), "err", err)
		return Event{Driver: d.name, TaskID: task.ID(), Timestamp: task.Timestamp(), Status: task.Status()}
	}

	ev := Event{
		Driver:       d.name,
		TaskID:       task.ID(),
		Timestamp:    task.Timestamp(),
		Status:       task.Status(),
		Result:       task.Result(),
		DispatchedAt: dispatchedAt,
		FinishedAt:   d.clock.NowMs(),
	}
	if id, err := ident.NewID(); err == nil {
		ev.ID = id
	} else {
		d.logger.Warn("event id", "err", err)
	}

	args := []any{
		"task_id", ev.TaskID,
		"timestamp", ev.Timestamp,
		"lag_ms", dispatchedAt - ev.Timestamp,
		"duration_ms", ev.FinishedAt - dispatchedAt,
	}
	switch task.Status() {
	case scheduler.StatusDone:
		d.reg.Completed.Inc(d.name)
		d.logger.Info("task completed", args...)
	case scheduler.StatusError:
		d.reg.Failed.Inc(d.name)
		ev.Error = task.Err().Error()
		d.logger.Warn("task failed", append(args, "err", task.Err())...)
	}

	for _, fn := range d.observers {
		fn(ev)
	}
	return ev
}
