// Package demo provides a built-in Fibonacci workload for exercising a driver.
package demo

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hackebrot/go-fibonacci"

	"github.com/snehjoshi/deferq/internal/driver"
	"github.com/snehjoshi/deferq/pkg/scheduler"
)

// MaxN bounds n so a recursive strategy stays fast.
const MaxN = 35

var (
	ErrNegativeN = errors.New("demo: n must not be negative")
	ErrNTooLarge = fmt.Errorf("demo: n must be at most %d", MaxN)
)

// FibCallback returns a Callback that computes the nth Fibonacci number with
// strategy. Out-of-range n makes the task end in ERROR.
func FibCallback(n int, strategy fibonacci.Strategy) scheduler.Callback {
	return func() (any, error) {
		switch {
		case n < 0:
			return nil, fmt.Errorf("%w: got %d", ErrNegativeN, n)
		case n > MaxN:
			return nil, fmt.Errorf("%w: got %d", ErrNTooLarge, n)
		}
		return strategy.Compute(n), nil
	}
}

// ScheduleFib submits count Fibonacci tasks to d, each due at a random offset
// in [0, maxOffset) from the driver's clock. Roughly one task in twelve gets a
// negative n and fails, so both outcomes show up in logs and events.
func ScheduleFib(d *driver.Driver, count int, maxOffset time.Duration, rnd *rand.Rand) ([]*driver.Task, error) {
	if count < 0 {
		return nil, fmt.Errorf("demo: count must not be negative, got %d", count)
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	tasks := make([]*driver.Task, 0, count)
	for range count {
		n := rnd.IntN(36) - 3 // [-3, 32]
		var offset time.Duration
		if maxOffset > 0 {
			offset = time.Duration(rnd.Int64N(int64(maxOffset)))
		}
		task, err := d.SubmitAfter(offset, FibCallback(n, fibonacci.NewRecursive()))
		if err != nil {
			return tasks, fmt.Errorf("demo: schedule fib(%d): %w", n, err)
		}
		slog.Debug("demo task scheduled", "task_id", task.ID(), "n", n, "offset", offset)
		tasks = append(tasks, task)
	}
	return tasks, nil
}
