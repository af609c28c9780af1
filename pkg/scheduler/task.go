package scheduler

import (
	"cmp"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrIDAlreadySet is returned by Task.SetID when the task already has an id.
	ErrIDAlreadySet = errors.New("scheduler: task id already set")

	// ErrInvalidID is returned when the zero ID is used where a real id is required.
	ErrInvalidID = errors.New("scheduler: invalid task id")

	// ErrInvalidTransition is returned when a task's status would change more
	// than once.
	ErrInvalidTransition = errors.New("scheduler: invalid status transition")

	// ErrNilCallback is recorded when a task without a callback is run.
	ErrNilCallback = errors.New("scheduler: nil callback")

	// ErrCallbackPanic wraps the value recovered from a panicking callback.
	ErrCallbackPanic = errors.New("scheduler: callback panicked")
)

// ID identifies a scheduled task within one Scheduler. The zero value means
// the task has not been scheduled.
type ID uint64

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool { return id == 0 }

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseID parses the decimal form produced by ID.String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	if v == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(v), nil
}

// Callback is the deferred work carried by a Task.
type Callback func() (any, error)

// Task pairs a timestamp with a callback. Timestamp and callback are fixed at
// construction; the id is assigned once by Scheduler.Schedule; result and
// status are written once by whoever runs the task.
type Task[T cmp.Ordered] struct {
	id        ID
	timestamp T
	callback  Callback

	result any
	err    error
	status Status
}

// NewTask returns an unscheduled task in StatusNew. Inputs are not validated.
func NewTask[T cmp.Ordered](timestamp T, cb Callback) *Task[T] {
	return &Task[T]{timestamp: timestamp, callback: cb, status: StatusNew}
}

// ID returns the id assigned at schedule time, or zero.
func (t *Task[T]) ID() ID { return t.id }

// Scheduled reports whether an id has been assigned.
func (t *Task[T]) Scheduled() bool { return !t.id.IsZero() }

// SetID assigns the task's id. It may be called once.
func (t *Task[T]) SetID(id ID) error {
	if id.IsZero() {
		return ErrInvalidID
	}
	if !t.id.IsZero() {
		return fmt.Errorf("%w: %s", ErrIDAlreadySet, t.id)
	}
	t.id = id
	return nil
}

// Timestamp returns the time at which the task becomes eligible to run.
func (t *Task[T]) Timestamp() T { return t.timestamp }

// Callback returns the task's work function.
func (t *Task[T]) Callback() Callback { return t.callback }

// Result returns the value recorded by Complete, or nil.
func (t *Task[T]) Result() any { return t.result }

// Err returns the error recorded by Fail, or nil.
func (t *Task[T]) Err() error { return t.err }

// Status returns the task's current status.
func (t *Task[T]) Status() Status { return t.status }

// Complete records a successful result and moves the task to StatusDone.
func (t *Task[T]) Complete(result any) error {
	if err := t.transition(StatusDone); err != nil {
		return err
	}
	t.result = result
	return nil
}

// Fail records err and moves the task to StatusError.
func (t *Task[T]) Fail(err error) error {
	if err := t.transition(StatusError); err != nil {
		return err
	}
	t.err = err
	return nil
}

func (t *Task[T]) transition(to Status) error {
	if !ValidTransition(t.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.status, to)
	}
	t.status = to
	return nil
}

// Run invokes the callback and records its outcome. A panic inside the
// callback is recovered and recorded as an error. Run returns
// ErrInvalidTransition without invoking anything if the task already ran;
// otherwise it returns nil, and the callback's own error is available via Err.
func (t *Task[T]) Run() (err error) {
	if t.status != StatusNew {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, t.id, t.status)
	}
	if t.callback == nil {
		return t.Fail(ErrNilCallback)
	}

	defer func() {
		if r := recover(); r != nil {
			err = t.Fail(fmt.Errorf("%w: %v", ErrCallbackPanic, r))
		}
	}()

	result, cbErr := t.callback()
	if cbErr != nil {
		return t.Fail(cbErr)
	}
	return t.Complete(result)
}
